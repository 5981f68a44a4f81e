package usbmux

import (
	"context"
	"fmt"
	"os/exec"

	"howett.net/plist"
)

// DeviceInfo is the subset of ideviceinfo's property list this agent cares
// about when describing a device to the platform.
type DeviceInfo struct {
	DeviceName     string `plist:"DeviceName"`
	ProductVersion string `plist:"ProductVersion"`
	ProductType    string `plist:"ProductType"`
	MarketName     string `plist:"MarketName"`
	UniqueDeviceID string `plist:"UniqueDeviceID"`
}

// InfoReader fetches a device's property list. The default implementation
// shells out to ideviceinfo; tests inject a fake.
type InfoReader interface {
	ReadInfo(ctx context.Context, udid string) (DeviceInfo, error)
}

type commandInfoReader struct{ bin string }

// NewCommandInfoReader builds an InfoReader backed by `<bin> -u <udid> -x`,
// which prints the device's full property list as XML plist.
func NewCommandInfoReader(bin string) InfoReader {
	if bin == "" {
		bin = "ideviceinfo"
	}
	return &commandInfoReader{bin: bin}
}

func (c *commandInfoReader) ReadInfo(ctx context.Context, udid string) (DeviceInfo, error) {
	out, err := exec.CommandContext(ctx, c.bin, "-u", udid, "-x").Output()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("usbmux: reading device info for %s: %w", udid, err)
	}
	return decodeDeviceInfo(out)
}

func decodeDeviceInfo(data []byte) (DeviceInfo, error) {
	var info DeviceInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return DeviceInfo{}, fmt.Errorf("usbmux: decoding plist: %w", err)
	}
	return info, nil
}
