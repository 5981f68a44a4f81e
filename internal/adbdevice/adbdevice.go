// Package adbdevice implements the small Android-specific conveniences
// layered on top of internal/adb: property reads, ABI-to-agent-binary
// selection, and reusing an existing forward rule instead of always
// allocating a new one.
package adbdevice

import (
	"context"
	"fmt"
	"strings"

	"github.com/liuma-go/provider/internal/adb"
	"github.com/liuma-go/provider/internal/agenterr"
	"github.com/liuma-go/provider/internal/portalloc"
)

// agentBinaryByABI maps a device ABI to the precompiled agent binary
// built for it. arm64-v8a devices fall back to the armv7 build, same as
// the source, since the agent binary itself is not built per-ABI for
// every architecture it could run on.
var agentBinaryByABI = map[string]string{
	"armeabi-v7a": "atx-agent-armv7",
	"arm64-v8a":   "atx-agent-armv7",
	"armeabi":     "atx-agent-armv6",
	"x86":         "atx-agent-386",
}

// Device is a thin, stateless wrapper binding an adb.Client to one
// serial for property reads and forwarding.
type Device struct {
	client *adb.Client
	serial string
}

// New binds client to serial.
func New(client *adb.Client, serial string) *Device {
	return &Device{client: client, serial: serial}
}

// Getprop runs `getprop <name>` and returns its trimmed value.
func (d *Device) Getprop(ctx context.Context, name string) (string, error) {
	out, err := d.client.Shell(ctx, d.serial, "getprop "+name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Getinfo runs an arbitrary shell script and returns its trimmed output.
func (d *Device) Getinfo(ctx context.Context, script string) (string, error) {
	out, err := d.client.Shell(ctx, d.serial, script)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AgentBinary picks the precompiled agent binary for the device's
// reported ABI list (ro.product.cpu.abilist, falling back to
// ro.product.cpu.abi), preferring the first ABI with a known binary.
func (d *Device) AgentBinary(ctx context.Context) (string, error) {
	abiList, err := d.Getprop(ctx, "ro.product.cpu.abilist")
	if err != nil {
		return "", err
	}
	var abis []string
	if abiList != "" {
		abis = strings.Split(abiList, ",")
	} else {
		abi, err := d.Getprop(ctx, "ro.product.cpu.abi")
		if err != nil {
			return "", err
		}
		abis = []string{abi}
	}

	for _, abi := range abis {
		if bin, ok := agentBinaryByABI[strings.TrimSpace(abi)]; ok {
			return bin, nil
		}
	}
	return "", &agenterr.NoCompatibleABI{Serial: d.serial, ABIs: abis}
}

// Properties reads the brand/model/version/screen-size quadruple the
// registry surfaces per device.
type Properties struct {
	Brand   string
	Model   string
	Version string
	Size    string
}

// Properties collects the device's display properties for the registry.
func (d *Device) Properties(ctx context.Context) (Properties, error) {
	brand, err := d.Getprop(ctx, "ro.product.brand")
	if err != nil {
		return Properties{}, err
	}
	model, err := d.Getprop(ctx, "ro.product.model")
	if err != nil {
		return Properties{}, err
	}
	version, err := d.Getprop(ctx, "ro.build.version.release")
	if err != nil {
		return Properties{}, err
	}
	rawSize, err := d.Getinfo(ctx, "wm size")
	if err != nil {
		return Properties{}, err
	}

	size := rawSize
	if idx := strings.LastIndex(rawSize, ": "); idx >= 0 {
		size = rawSize[idx+2:]
	}

	return Properties{Brand: brand, Model: model, Version: version, Size: size}, nil
}

// ForwardToAny reuses an existing tcp forward for remote if one already
// exists for this serial, and otherwise allocates a fresh local port and
// installs a new rule.
func (d *Device) ForwardToAny(ctx context.Context, allocator *portalloc.Allocator, remote string) (int, error) {
	rules, err := d.client.ForwardList(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if r.Serial != d.serial || r.Remote != remote {
			continue
		}
		if port, ok := parseTCPPort(r.Local); ok {
			return port, nil
		}
	}

	port, err := allocator.Alloc()
	if err != nil {
		return 0, err
	}
	local := fmt.Sprintf("tcp:%d", port)
	if err := d.client.Forward(ctx, d.serial, local, remote, false); err != nil {
		allocator.Release(port)
		return 0, err
	}
	return port, nil
}

func parseTCPPort(local string) (int, bool) {
	const prefix = "tcp:"
	if !strings.HasPrefix(local, prefix) {
		return 0, false
	}
	var port int
	if _, err := fmt.Sscanf(local[len(prefix):], "%d", &port); err != nil {
		return 0, false
	}
	return port, true
}
