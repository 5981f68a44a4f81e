package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuma-go/provider/internal/adb"
	"github.com/liuma-go/provider/internal/config"
	"github.com/liuma-go/provider/internal/heartbeat"
	"github.com/liuma-go/provider/internal/httpapi"
	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/portalloc"
	"github.com/liuma-go/provider/internal/procsup"
	"github.com/liuma-go/provider/internal/registry"
	"github.com/liuma-go/provider/internal/supervisor"
	"github.com/liuma-go/provider/internal/usbmux"
)

// androidAgentPorts are the on-device atx-agent's own listen ports
// (device_android.py proxies 7912 for the REST API, 6677 for whatsinput).
var androidAgentPorts = []int{7912, 6677}

// Android and iOS relay ports are drawn from disjoint ranges so the two
// platform trees can never collide over a local port, even when both run
// in the same process.
const (
	androidPortMin = 20000
	androidPortMax = 30000
	iosPortMin     = 30000
	iosPortMax     = 40000
)

var (
	configPath string
	vendorDir  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the provider agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
		return runAgent(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "agent.ini", "path to the INI configuration file")
	runCmd.Flags().StringVar(&vendorDir, "vendor-dir", "vendor", "directory holding cached helper binaries and downloaded install artifacts")
	rootCmd.AddCommand(runCmd)
}

// runAgent wires every package together and blocks until SIGINT, then runs
// the shutdown sequence: cancel every supervisor and await it, close
// forwarder listeners (owned by each supervisor's own DeviceRecord and
// released as part of its teardown), then drain the heartbeat queue with
// a 2s deadline.
//
// Running Android and iOS as two OS processes is left unspecified as a
// deliberate choice elsewhere; one process runs both platform trees
// concurrently here, each in its own goroutine, with its own heartbeat
// link and HTTP listener.
func runAgent(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	cold := newColdTable()
	androidAllocator := portalloc.New(androidPortMin, androidPortMax)
	iosAllocator := portalloc.New(iosPortMin, iosPortMax)
	cmdr := procsup.DefaultCommander()
	adbClient := adb.NewClient("localhost", 5037)

	var wg sync.WaitGroup
	var servers []*http.Server

	if cfg.EnableAndroid {
		link, err := heartbeat.New(heartbeat.Options{
			PlatformURL: cfg.PlatformURL,
			Project:     cfg.Project,
			Owner:       cfg.Owner,
			System:      "Android",
			OnCold:      cold.onCold,
		})
		if err != nil {
			return fmt.Errorf("fatal: android heartbeat: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			link.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runAndroidTree(ctx, adbClient, cmdr, androidAllocator, reg, cold, link)
			link.Drain(2 * time.Second)
		}()

		srv, err := startHTTPServer(cfg.Host, cfg.AndroidPort, httpapi.Options{
			Registry:  reg,
			Cold:      cold,
			AdbClient: adbClient,
			VendorDir: vendorDir,
		})
		if err != nil {
			return fmt.Errorf("fatal: android http listener: %w", err)
		}
		servers = append(servers, srv)
	}

	if cfg.EnableApple {
		link, err := heartbeat.New(heartbeat.Options{
			PlatformURL: cfg.PlatformURL,
			Project:     cfg.Project,
			Owner:       cfg.Owner,
			System:      "Apple",
			OnCold:      cold.onCold,
		})
		if err != nil {
			return fmt.Errorf("fatal: apple heartbeat: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			link.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runIOSTree(ctx, cfg, cmdr, iosAllocator, reg, cold, link)
			link.Drain(2 * time.Second)
		}()

		srv, err := startHTTPServer(cfg.Host, cfg.ApplePort, httpapi.Options{
			Registry:  reg,
			Cold:      cold,
			AdbClient: adbClient,
			VendorDir: vendorDir,
		})
		if err != nil {
			return fmt.Errorf("fatal: apple http listener: %w", err)
		}
		servers = append(servers, srv)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	wg.Wait()
	return nil
}

func startHTTPServer(host string, port int, opts httpapi.Options) (*http.Server, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: httpapi.NewRouter(opts)}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited", "addr", addr, "err", err)
		}
	}()
	return srv, nil
}

// runAndroidTree tracks ADB device attach/detach and runs one Supervisor
// per serial until ctx is cancelled, then waits for every running
// supervisor to finish tearing down.
func runAndroidTree(ctx context.Context, client *adb.Client, cmdr procsup.Commander, allocator *portalloc.Allocator, reg *registry.Registry, cold *coldTable, link *heartbeat.Link) {
	events := make(chan model.DeviceEvent, 16)
	go func() {
		if err := client.TrackDevices(ctx, events); err != nil && ctx.Err() == nil {
			slog.Error("android device tracking stopped", "err", err)
		}
	}()

	var wg sync.WaitGroup
	active := make(map[string]deviceHandle)

	for {
		select {
		case <-ctx.Done():
			for _, h := range active {
				h.cancel()
			}
			wg.Wait()
			return
		case evt, ok := <-events:
			if !ok {
				wg.Wait()
				return
			}
			if evt.Present && evt.Status != "device" {
				// offline/unauthorized: not yet ready to be prepared.
				continue
			}
			if !evt.Present {
				if h, ok := active[evt.Serial]; ok {
					h.sup.TriggerRemoved()
					h.cancel()
					delete(active, evt.Serial)
				}
				continue
			}
			if _, ok := active[evt.Serial]; ok {
				continue
			}

			serial := evt.Serial
			devCtx, cancel := context.WithCancel(ctx)

			pipeline := supervisor.NewAndroidPipeline(supervisor.AndroidOptions{
				Serial:     serial,
				AgentPorts: androidAgentPorts,
				AgentBinaryDir: func(binaryName string) string {
					return filepath.Join(vendorDir, "android", binaryName)
				},
			}, client, cmdr, allocator)

			sup := supervisor.New(serial, model.PlatformAndroid, pipeline, reg, link, allocator)
			active[serial] = deviceHandle{sup: sup, cancel: cancel}
			cold.add(serial, sup)

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cold.remove(serial)
				sup.Run(devCtx)
			}()
		}
	}
}

// runIOSTree mirrors runAndroidTree for usbmux-discovered iOS devices.
func runIOSTree(ctx context.Context, cfg *config.Config, cmdr procsup.Commander, allocator *portalloc.Allocator, reg *registry.Registry, cold *coldTable, link *heartbeat.Link) {
	lister := usbmux.NewCommandLister("")
	infoReader := usbmux.NewCommandInfoReader("")
	tracker := usbmux.NewTracker(lister, time.Second)

	events := make(chan model.DeviceEvent, 16)
	go func() {
		if err := tracker.Run(ctx, events); err != nil && ctx.Err() == nil {
			slog.Error("ios device tracking stopped", "err", err)
		}
	}()

	var wg sync.WaitGroup
	active := make(map[string]deviceHandle)

	for {
		select {
		case <-ctx.Done():
			for _, h := range active {
				h.cancel()
			}
			wg.Wait()
			return
		case evt, ok := <-events:
			if !ok {
				wg.Wait()
				return
			}
			if !evt.Present {
				if h, ok := active[evt.Serial]; ok {
					h.sup.TriggerRemoved()
					h.cancel()
					delete(active, evt.Serial)
				}
				continue
			}
			if _, ok := active[evt.Serial]; ok {
				continue
			}

			udid := evt.Serial
			devCtx, cancel := context.WithCancel(ctx)

			pipeline := supervisor.NewIOSPipeline(supervisor.IOSOptions{
				UDID:     udid,
				BundleID: cfg.WDABundleID,
			}, infoReader, cmdr, allocator, "")

			sup := supervisor.New(udid, model.PlatformIOS, pipeline, reg, link, allocator)
			active[udid] = deviceHandle{sup: sup, cancel: cancel}
			cold.add(udid, sup)

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cold.remove(udid)
				sup.Run(devCtx)
			}()
		}
	}
}

// deviceHandle is what each platform tree keeps per active serial: the
// supervisor itself, to signal a clean removal, and its cancel func, to
// force an interrupt if the supervisor is still stuck in Prepare.
type deviceHandle struct {
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
}
