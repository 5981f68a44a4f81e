package supervisor

import (
	"context"
	"fmt"

	"github.com/liuma-go/provider/internal/agenterr"
	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/portalloc"
	"github.com/liuma-go/provider/internal/procsup"
	"github.com/liuma-go/provider/internal/usbmux"
	"github.com/liuma-go/provider/internal/wda"
)

// maxWDALaunchAttempts bounds how many times Prepare retries the full
// xctest+relay+proxy launch before giving up on a device.
const maxWDALaunchAttempts = 3

// IOSOptions configures one iOS device's prep pipeline.
type IOSOptions struct {
	UDID     string
	BundleID string
}

// iosPipeline implements Pipeline for an iOS device: fetches device
// info over usbmux, launches a WDA session (xctest + two relays + a
// fronting proxy), and health-checks it by polling /status and
// /screenshot.
type iosPipeline struct {
	opts       IOSOptions
	infoReader usbmux.InfoReader
	cmdr       procsup.Commander
	allocator  *portalloc.Allocator
	relayBin   string

	session *wda.Session
}

// NewIOSPipeline builds the Pipeline driving opts.UDID.
func NewIOSPipeline(opts IOSOptions, infoReader usbmux.InfoReader, cmdr procsup.Commander, allocator *portalloc.Allocator, relayBin string) Pipeline {
	return &iosPipeline{
		opts:       opts,
		infoReader: infoReader,
		cmdr:       cmdr,
		allocator:  allocator,
		relayBin:   relayBin,
	}
}

func (p *iosPipeline) Prepare(ctx context.Context, rec *model.DeviceRecord) (model.Endpoints, map[string]any, error) {
	info, err := p.infoReader.ReadInfo(ctx, p.opts.UDID)
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "ios prepare: read device info", err)
	}

	var session *wda.Session
	var launchErr error
	for attempt := 1; attempt <= maxWDALaunchAttempts; attempt++ {
		session, launchErr = wda.Prepare(ctx, p.cmdr, p.allocator, wda.Options{
			Serial:   p.opts.UDID,
			BundleID: p.opts.BundleID,
			RelayBin: p.relayBin,
		})
		if launchErr == nil {
			break
		}
	}
	if launchErr != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "ios prepare: launch WDA", launchErr)
	}
	p.session = session
	rec.AddChild(session)

	props := map[string]any{
		"deviceName":     info.DeviceName,
		"productVersion": info.ProductVersion,
		"productType":    info.ProductType,
		"marketName":     info.MarketName,
		"screenSize":     wda.ScreenSize(ctx, session.WDAURL()),
	}
	return p.endpoints(), props, nil
}

func (p *iosPipeline) endpoints() model.Endpoints {
	return model.Endpoints{
		AgentURL:        p.session.ProxyURL(),
		ScreenStreamURL: p.session.ProxyURL() + "/mjpeg",
		InputURL:        p.session.WDAURL(),
		AutomationURL:   p.session.WDAURL(),
	}
}

// HealthCheck requires /status to report a non-empty value.ios.ip and
// /screenshot to return a valid PNG header, per the source's two-stage
// probe.
func (p *iosPipeline) HealthCheck(ctx context.Context, _ *model.DeviceRecord) (model.Endpoints, error) {
	status, err := wda.Status(ctx, p.session.WDAURL())
	if err != nil {
		return model.Endpoints{}, fmt.Errorf("ios health check: /status: %w", err)
	}
	if iosIPFromStatus(status) == "" {
		return model.Endpoints{}, fmt.Errorf("ios health check: /status reported no ip")
	}
	if !wda.IsAlive(ctx, p.session.WDAURL()) {
		return model.Endpoints{}, fmt.Errorf("ios health check: screenshot probe failed")
	}
	return p.endpoints(), nil
}

// Recover restarts the whole WDA session: xctest and its two relays are
// a matched set keyed by device-side ports (8100, 9100), so there is no
// cheaper partial restart the way there is for Android's single agent
// process. The previous session's child-process registration on rec
// stays in place; DrainChildren still stops the old processes at
// eventual teardown, so the freshly Prepare'd session is simply added
// alongside it here.
func (p *iosPipeline) Recover(ctx context.Context, rec *model.DeviceRecord) error {
	if p.session != nil {
		p.session.Stop()
	}
	session, err := wda.Prepare(ctx, p.cmdr, p.allocator, wda.Options{
		Serial:   p.opts.UDID,
		BundleID: p.opts.BundleID,
		RelayBin: p.relayBin,
	})
	if err != nil {
		return fmt.Errorf("ios recover: relaunching WDA: %w", err)
	}
	p.session = session
	rec.AddChild(session)
	return nil
}

// Teardown has nothing pipeline-local to release beyond what Prepare
// and Recover already registered on rec via AddChild.
func (p *iosPipeline) Teardown(_ context.Context, _ *model.DeviceRecord) {}

func iosIPFromStatus(status wda.StatusInfo) string {
	value, ok := status.Raw["value"].(map[string]any)
	if !ok {
		return ""
	}
	ios, ok := value["ios"].(map[string]any)
	if !ok {
		return ""
	}
	ip, _ := ios["ip"].(string)
	return ip
}
