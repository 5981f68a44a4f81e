// Package wda supervises WebDriverAgent on an iOS device: launching the
// xctest runner and its two USB relays, fronting them behind a single
// local HTTP proxy, and health-checking the result.
package wda

import (
	"context"
	"fmt"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/liuma-go/provider/internal/portalloc"
	"github.com/liuma-go/provider/internal/procsup"
)

// deviceLock serializes WDA launches across all devices in this process:
// the source held a cross-process flock for this because it ran one
// Python process per platform worker; here there is exactly one process,
// so an in-process mutex is sufficient and a plain os.Open+flock would
// be protecting against a scenario (concurrent processes) that no
// longer exists.
var deviceLock sync.Mutex

// Session is a running WDA stack for one device: the xctest process, the
// two port relays, and the HTTP proxy fronting them.
type Session struct {
	serial string

	xctest  *procsup.Process
	relayWDA *procsup.Process
	relayMJPEG *procsup.Process
	proxy   *proxyServer

	wdaPort    int
	mjpegPort  int
	proxyPort  int
}

// Options configures one device's WDA launch.
type Options struct {
	Serial       string
	BundleID     string
	RelayBin     string // defaults to "tidevice"
	StartTimeout time.Duration
}

// Prepare launches xctest, both relays, and the fronting proxy for one
// device, then blocks until WDA answers /status or StartTimeout elapses.
func Prepare(ctx context.Context, cmdr procsup.Commander, allocator *portalloc.Allocator, opts Options) (*Session, error) {
	relayBin := opts.RelayBin
	if relayBin == "" {
		relayBin = "tidevice"
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	wdaPort, err := allocator.Alloc()
	if err != nil {
		return nil, fmt.Errorf("wda: allocating wda port: %w", err)
	}
	mjpegPort, err := allocator.Alloc()
	if err != nil {
		return nil, fmt.Errorf("wda: allocating mjpeg port: %w", err)
	}

	// WDA servers must start one at a time on this host; the relays bind
	// fixed device-side ports (8100, 9100) that a second concurrent
	// launch would collide with. Released again once the proxy is up,
	// before the (potentially 60s) readiness wait below.
	deviceLock.Lock()

	xctest, err := procsup.Start(ctx, cmdr, relayBin, "-u", opts.Serial, "xctest", "-B", opts.BundleID)
	if err != nil {
		deviceLock.Unlock()
		return nil, fmt.Errorf("wda: starting xctest on %s: %w", opts.Serial, err)
	}

	relayWDA, err := procsup.Start(ctx, cmdr, relayBin, "-u", opts.Serial, "relay", itoa(wdaPort), "8100")
	if err != nil {
		xctest.Stop()
		deviceLock.Unlock()
		return nil, fmt.Errorf("wda: starting wda relay on %s: %w", opts.Serial, err)
	}
	relayMJPEG, err := procsup.Start(ctx, cmdr, relayBin, "-u", opts.Serial, "relay", itoa(mjpegPort), "9100")
	if err != nil {
		xctest.Stop()
		relayWDA.Stop()
		deviceLock.Unlock()
		return nil, fmt.Errorf("wda: starting mjpeg relay on %s: %w", opts.Serial, err)
	}

	proxyPort, err := allocator.Alloc()
	if err != nil {
		xctest.Stop()
		relayWDA.Stop()
		relayMJPEG.Stop()
		deviceLock.Unlock()
		return nil, fmt.Errorf("wda: allocating proxy port: %w", err)
	}
	proxy, err := newProxyServer(proxyPort, wdaPort, mjpegPort)
	if err != nil {
		xctest.Stop()
		relayWDA.Stop()
		relayMJPEG.Stop()
		deviceLock.Unlock()
		return nil, fmt.Errorf("wda: starting proxy for %s: %w", opts.Serial, err)
	}
	deviceLock.Unlock()

	s := &Session{
		serial:     opts.Serial,
		xctest:     xctest,
		relayWDA:   relayWDA,
		relayMJPEG: relayMJPEG,
		proxy:      proxy,
		wdaPort:    wdaPort,
		mjpegPort:  mjpegPort,
		proxyPort:  proxyPort,
	}

	if err := s.waitUntilReady(ctx, timeout); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

func (s *Session) waitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-s.xctest.Done():
			return fmt.Errorf("wda: %s: xctest process exited before becoming ready", s.serial)
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := Status(ctx, s.WDAURL()); err == nil {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("wda: %s: timed out waiting for WDA to become ready", s.serial)
}

// WDAURL is the local address WDA's own HTTP API listens on, via relay.
func (s *Session) WDAURL() string { return fmt.Sprintf("http://127.0.0.1:%d", s.wdaPort) }

// ProxyURL is the public-facing address fronting WDA + the MJPEG stream.
func (s *Session) ProxyURL() string { return fmt.Sprintf("http://127.0.0.1:%d", s.proxyPort) }

// Stop tears down the proxy, both relays, and the xctest process, in
// reverse start order.
func (s *Session) Stop() error {
	if s.proxy != nil {
		s.proxy.Close()
	}
	if s.relayMJPEG != nil {
		s.relayMJPEG.Stop()
	}
	if s.relayWDA != nil {
		s.relayWDA.Stop()
	}
	if s.xctest != nil {
		s.xctest.Stop()
	}
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// proxyServer fronts WDA's own HTTP API and its MJPEG screenshot stream
// behind one local port, matching the source's standalone proxy_wda
// front end: a client only needs to know one address per device.
type proxyServer struct {
	srv *httpServer
}

func newProxyServer(listenPort, wdaPort, mjpegPort int) (*proxyServer, error) {
	wdaTarget, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", wdaPort))
	if err != nil {
		return nil, err
	}
	mjpegTarget, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", mjpegPort))
	if err != nil {
		return nil, err
	}

	wdaProxy := httputil.NewSingleHostReverseProxy(wdaTarget)
	mjpegProxy := httputil.NewSingleHostReverseProxy(mjpegTarget)

	mux := newMux(wdaProxy, mjpegProxy)
	srv, err := startHTTPServer(listenPort, mux)
	if err != nil {
		return nil, err
	}
	return &proxyServer{srv: srv}, nil
}

func (p *proxyServer) Close() {
	if p.srv != nil {
		p.srv.Close()
	}
}
