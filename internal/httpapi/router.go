// Package httpapi is the agent's local HTTP surface: app install/uninstall,
// device screenshot/hierarchy, and a manual cold-restart trigger, all
// normalized to {status:0|1000, message, data?}.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"github.com/liuma-go/provider/internal/registry"
)

// ColdTrigger looks up the supervisor for serial and asks it to
// cold-restart, mirroring what an inbound `cold@<serial>` heartbeat
// command does. Returns false if serial is not currently managed.
type ColdTrigger interface {
	TriggerCold(serial string) bool
}

// ShellRunner is the slice of *adb.Client's surface the uninstall route
// needs; narrowed to an interface so tests can fake it.
type ShellRunner interface {
	Shell(ctx context.Context, serial, command string) (string, error)
}

// Options configures the router.
type Options struct {
	Registry  *registry.Registry
	Cold      ColdTrigger
	AdbClient ShellRunner
	// VendorDir is where install artifacts are cached, content-addressed
	// by md5(url) under a per-platform subdirectory.
	VendorDir string
}

// NewRouter builds the handler tree. Every route passes through a
// common middleware chain that recovers panics and logs the request,
// the way tr1d1um.go wires a root alice.Chain ahead of mux.NewRouter.
func NewRouter(opts Options) http.Handler {
	h := &handlers{opts: opts}

	r := mux.NewRouter()
	r.HandleFunc("/app/install", h.install).Methods(http.MethodPost)
	r.HandleFunc("/app/uninstall", h.uninstall).Methods(http.MethodPost)
	r.HandleFunc("/device/screenshot", h.screenshot).Methods(http.MethodGet)
	r.HandleFunc("/device/hierarchy", h.hierarchy).Methods(http.MethodGet)
	r.HandleFunc("/cold", h.cold).Methods(http.MethodPost)

	chain := alice.New(recoverMiddleware, loggingMiddleware)
	return chain.Then(r)
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("httpapi: panic handling request", "path", r.URL.Path, "panic", rec)
				respondError(w, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
