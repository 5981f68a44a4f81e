package adb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// stubAdbBinary drops a fake `adb` script on PATH that exits with code
// and prints output, so Push/InstallAPK's error wrapping can be tested
// without a real device or adb server.
func stubAdbBinary(t *testing.T, code int, output string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake adb script assumes a POSIX shell")
	}
	dir := t.TempDir()
	script := fmt.Sprintf("#!/bin/sh\necho %q\nexit %d\n", output, code)
	path := filepath.Join(dir, "adb")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake adb: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestPushWrapsFailureOutput(t *testing.T) {
	stubAdbBinary(t, 1, "error: no devices/emulators found")

	err := Push(context.Background(), "SERIAL1", "/tmp/local", "/data/local/tmp/remote")
	if err == nil {
		t.Fatal("expected an error from a failing adb push")
	}
	if !strings.Contains(err.Error(), "no devices/emulators found") {
		t.Fatalf("error %q does not include the adb output", err)
	}
}

func TestPushSucceeds(t *testing.T) {
	stubAdbBinary(t, 0, "1 file pushed")

	if err := Push(context.Background(), "SERIAL1", "/tmp/local", "/data/local/tmp/remote"); err != nil {
		t.Fatalf("Push() error = %v, want nil", err)
	}
}

func TestInstallAPKWrapsFailureOutput(t *testing.T) {
	stubAdbBinary(t, 1, "Failure [INSTALL_FAILED_INVALID_APK]")

	err := InstallAPK(context.Background(), "SERIAL1", "/data/local/tmp/app.apk")
	if err == nil {
		t.Fatal("expected an error from a failing pm install")
	}
	if !strings.Contains(err.Error(), "INSTALL_FAILED_INVALID_APK") {
		t.Fatalf("error %q does not include the pm install output", err)
	}
}

func TestInstallAPKSucceeds(t *testing.T) {
	stubAdbBinary(t, 0, "Success")

	if err := InstallAPK(context.Background(), "SERIAL1", "/data/local/tmp/app.apk"); err != nil {
		t.Fatalf("InstallAPK() error = %v, want nil", err)
	}
}
