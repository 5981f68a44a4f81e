package adb

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/liuma-go/provider/internal/agenterr"
	"github.com/liuma-go/provider/internal/model"
)

// Client is a handle to a local adb server. It is safe for concurrent use;
// every operation opens its own connection.
type Client struct {
	addr    string
	timeout time.Duration
}

// DeviceItem is one line of `adb devices` output.
type DeviceItem struct {
	Serial string
	Status string
}

// ForwardItem is one line of `adb forward --list` output.
type ForwardItem struct {
	Serial string
	Local  string
	Remote string
}

// NewClient builds a Client talking to the adb server at host:port.
func NewClient(host string, port int) *Client {
	return &Client{addr: fmt.Sprintf("%s:%d", host, port), timeout: 5 * time.Second}
}

// ServerVersion returns the adb server's protocol version.
func (c *Client) ServerVersion(ctx context.Context) (int, error) {
	cn, err := dial(c.addr, c.timeout)
	if err != nil {
		return 0, err
	}
	defer cn.Close()

	if err := cn.sendCmd("host:version"); err != nil {
		return 0, err
	}
	if err := cn.checkOkay(); err != nil {
		return 0, err
	}
	s, err := cn.readString()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("adb: bad version %q: %w", s, err)
	}
	return int(v), nil
}

// outputToDevices parses `host:track-devices`/`host:devices` body text into
// DeviceItems, optionally limited to a status allow-list.
func outputToDevices(output string, limitStatus []string) []DeviceItem {
	var items []DeviceItem
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		serial, status := parts[0], parts[1]
		if len(limitStatus) > 0 && !contains(limitStatus, status) {
			continue
		}
		items = append(items, DeviceItem{Serial: serial, Status: status})
	}
	return items
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// diffDevices yields DeviceEvents that turn orig into curr: removals first,
// then additions, mirroring a set difference in both directions.
func diffDevices(orig, curr []DeviceItem) []model.DeviceEvent {
	origSet := make(map[DeviceItem]struct{}, len(orig))
	for _, d := range orig {
		origSet[d] = struct{}{}
	}
	currSet := make(map[DeviceItem]struct{}, len(curr))
	for _, d := range curr {
		currSet[d] = struct{}{}
	}

	var events []model.DeviceEvent
	for _, d := range orig {
		if _, ok := currSet[d]; !ok {
			events = append(events, model.DeviceEvent{Present: false, Serial: d.Serial, Status: d.Status})
		}
	}
	for _, d := range curr {
		if _, ok := origSet[d]; !ok {
			events = append(events, model.DeviceEvent{Present: true, Serial: d.Serial, Status: d.Status})
		}
	}
	return events
}

// TrackDevices streams DeviceEvents derived from `host:track-devices` until
// ctx is cancelled. A server disconnect is treated as every device
// disappearing, followed by an attempt to restart the local adb server and
// resume tracking after a short delay.
func (c *Client) TrackDevices(ctx context.Context, events chan<- model.DeviceEvent) error {
	var origDevices []DeviceItem
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.unsafeTrackDevices(ctx, &origDevices, events)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, evt := range diffDevices(origDevices, nil) {
			select {
			case events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		origDevices = nil

		slog.Info("adb connection is down, retry after 1s", "err", err)
		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		_ = exec.CommandContext(ctx, "adb", "start-server").Run()
		if v, err := c.ServerVersion(ctx); err == nil {
			slog.Info("adb-server started", "version", v)
		}
	}
}

// unsafeTrackDevices holds a single track-devices connection open, emitting
// diffed events as new snapshots arrive, and returns when the connection
// closes.
func (c *Client) unsafeTrackDevices(ctx context.Context, origDevices *[]DeviceItem, events chan<- model.DeviceEvent) error {
	cn, err := dial(c.addr, c.timeout)
	if err != nil {
		return err
	}
	defer cn.Close()

	if err := cn.sendCmd("host:track-devices"); err != nil {
		return err
	}
	if err := cn.checkOkay(); err != nil {
		return err
	}

	for {
		content, err := cn.readString()
		if err != nil {
			return err
		}
		curr := outputToDevices(content, []string{"device"})
		for _, evt := range diffDevices(*origDevices, curr) {
			select {
			case events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		*origDevices = curr
	}
}

// Shell runs command on serial over host:transport and returns its combined
// output.
func (c *Client) Shell(ctx context.Context, serial, command string) (string, error) {
	cn, err := dial(c.addr, c.timeout)
	if err != nil {
		return "", err
	}
	defer cn.Close()

	if err := cn.sendCmd("host:transport:" + serial); err != nil {
		return "", err
	}
	if err := cn.checkOkay(); err != nil {
		return "", agenterr.New(agenterr.PerDevice, "adb.shell", err)
	}
	if err := cn.sendCmd("shell:" + command); err != nil {
		return "", err
	}
	if err := cn.checkOkay(); err != nil {
		return "", agenterr.New(agenterr.PerDevice, "adb.shell", err)
	}
	out, err := cn.readUntilClose()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ForwardList returns the adb server's current forwarding table.
func (c *Client) ForwardList(ctx context.Context) ([]ForwardItem, error) {
	cn, err := dial(c.addr, c.timeout)
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	if err := cn.sendCmd("host:list-forward"); err != nil {
		return nil, err
	}
	if err := cn.checkOkay(); err != nil {
		return nil, err
	}
	content, err := cn.readString()
	if err != nil {
		return nil, err
	}

	var items []ForwardItem
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			continue
		}
		items = append(items, ForwardItem{Serial: parts[0], Local: parts[1], Remote: parts[2]})
	}
	return items, nil
}

// Forward installs a forwarding rule from local to remote on serial. Local
// and remote follow adb's own syntax ("tcp:<port>", "localabstract:<name>").
// norebind makes the call fail instead of replacing an existing rule bound
// to the same local address.
func (c *Client) Forward(ctx context.Context, serial, local, remote string, norebind bool) error {
	cn, err := dial(c.addr, c.timeout)
	if err != nil {
		return err
	}
	defer cn.Close()

	cmds := []string{"host-serial", serial, "forward"}
	if norebind {
		cmds = append(cmds, "norebind")
	}
	cmds = append(cmds, local+";"+remote)

	if err := cn.sendCmd(strings.Join(cmds, ":")); err != nil {
		return err
	}
	return cn.checkOkay()
}
