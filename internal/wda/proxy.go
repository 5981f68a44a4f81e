package wda

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

// httpServer is a minimal wrapper around http.Server bound to a
// specific listener, so Close can be called without tracking an
// *http.Server alongside its net.Listener separately.
type httpServer struct {
	ln  net.Listener
	srv *http.Server
}

func startHTTPServer(port int, handler http.Handler) (*httpServer, error) {
	ln, err := net.Listen("tcp", addrForPort(port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return &httpServer{ln: ln, srv: srv}, nil
}

func (h *httpServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.srv.Shutdown(ctx)
}

func addrForPort(port int) string {
	return "127.0.0.1:" + itoa(port)
}

// newMux routes /mjpeg (the MJPEG screenshot stream) to mjpegProxy and
// everything else to wdaProxy, matching the source's proxy_wda front end.
func newMux(wdaProxy, mjpegProxy *httputil.ReverseProxy) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/mjpeg") {
			mjpegProxy.ServeHTTP(w, r)
			return
		}
		wdaProxy.ServeHTTP(w, r)
	})
	return mux
}
