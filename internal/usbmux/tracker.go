// Package usbmux discovers iOS devices attached over USB by polling the
// usbmux device list, since unlike adb there is no local daemon offering a
// push-style subscription for iOS.
package usbmux

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/liuma-go/provider/internal/model"
)

// Lister returns the UDIDs currently attached over USB. The default
// implementation shells out to idevice_id; tests inject a fake.
type Lister interface {
	ListUDIDs(ctx context.Context) ([]string, error)
}

type commandLister struct{ bin string }

// NewCommandLister builds a Lister that runs `<bin> -l` and treats each
// non-blank output line as one attached UDID.
func NewCommandLister(bin string) Lister {
	if bin == "" {
		bin = "idevice_id"
	}
	return &commandLister{bin: bin}
}

func (c *commandLister) ListUDIDs(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, c.bin, "-l").Output()
	if err != nil {
		// No device attached is reported as a nonzero exit by idevice_id;
		// treat any failure as "nothing attached" rather than propagating
		// a transient shell error up through the tracker loop.
		return nil, nil
	}
	var udids []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			udids = append(udids, line)
		}
	}
	return udids, nil
}

// Tracker polls a Lister at a fixed interval and emits DeviceEvents for
// UDIDs that appear or disappear between polls.
type Tracker struct {
	lister   Lister
	interval time.Duration
}

// NewTracker builds a Tracker. A zero interval defaults to one second,
// matching how often the upstream source polled usbmux.
func NewTracker(lister Lister, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tracker{lister: lister, interval: interval}
}

// Run polls until ctx is cancelled, sending DeviceEvents to events.
func (t *Tracker) Run(ctx context.Context, events chan<- model.DeviceEvent) error {
	var last []string
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		curr, err := t.lister.ListUDIDs(ctx)
		if err == nil {
			for _, evt := range diff(last, curr) {
				select {
				case events <- evt:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			last = curr
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// diff reports removals (present=false) before additions (present=true),
// mirroring the adb tracker's ordering so downstream consumers never see a
// serial's arrival before its prior departure has been processed.
func diff(last, curr []string) []model.DeviceEvent {
	lastSet := toSet(last)
	currSet := toSet(curr)

	var events []model.DeviceEvent
	for u := range lastSet {
		if _, ok := currSet[u]; !ok {
			events = append(events, model.DeviceEvent{Present: false, Serial: u})
		}
	}
	for u := range currSet {
		if _, ok := lastSet[u]; !ok {
			events = append(events, model.DeviceEvent{Present: true, Serial: u})
		}
	}
	return events
}

// bogusUDIDPrefix is 18 'f' characters; toSet drops any UDID that begins
// with it, so such a serial never produces an event.
var bogusUDIDPrefix = strings.Repeat("f", 18)

func toSet(udids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(udids))
	for _, u := range udids {
		if strings.HasPrefix(u, bogusUDIDPrefix) {
			continue
		}
		set[u] = struct{}{}
	}
	return set
}
