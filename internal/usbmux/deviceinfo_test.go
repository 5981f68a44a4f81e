package usbmux

import "testing"

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>DeviceName</key>
	<string>Joe's iPhone</string>
	<key>ProductVersion</key>
	<string>17.4</string>
	<key>ProductType</key>
	<string>iPhone14,5</string>
	<key>MarketName</key>
	<string>iPhone 13</string>
	<key>UniqueDeviceID</key>
	<string>00008030-000A1B2C3D4E5F6G</string>
</dict>
</plist>`

func TestDecodeDeviceInfo(t *testing.T) {
	info, err := decodeDeviceInfo([]byte(samplePlist))
	if err != nil {
		t.Fatalf("decodeDeviceInfo() error: %v", err)
	}
	if info.DeviceName != "Joe's iPhone" {
		t.Errorf("DeviceName = %q, want %q", info.DeviceName, "Joe's iPhone")
	}
	if info.ProductVersion != "17.4" {
		t.Errorf("ProductVersion = %q, want %q", info.ProductVersion, "17.4")
	}
	if info.MarketName != "iPhone 13" {
		t.Errorf("MarketName = %q, want %q", info.MarketName, "iPhone 13")
	}
}

func TestDecodeDeviceInfoInvalid(t *testing.T) {
	if _, err := decodeDeviceInfo([]byte("not a plist")); err == nil {
		t.Fatalf("expected an error decoding malformed plist data")
	}
}
