// Package scrcpy starts and talks to the scrcpy screen-capture server on
// an Android device: launching the server over an adb shell session (it
// does not push the server jar; the jar is expected on the device),
// connecting its two abstract-socket streams, decoding the H.264
// elementary stream it emits, and encoding touch/scroll/swipe control
// messages back to it.
package scrcpy

import (
	"context"
	"fmt"

	"github.com/liuma-go/provider/internal/procsup"
)

// ServerOptions configures the scrcpy server process started on the
// device. Values mirror the server's own command-line argument names.
type ServerOptions struct {
	Version    string
	MaxSize    int
	BitRate    int
	MaxFPS     int
	DisplayID  int
}

// DefaultServerOptions matches the parameters the host has historically
// launched scrcpy with.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Version: "1.24",
		MaxSize: 720,
		BitRate: 1_280_000,
		MaxFPS:  25,
	}
}

func (o ServerOptions) args() []string {
	return []string{
		"CLASSPATH=/data/local/tmp/scrcpy-server",
		"app_process", "/", "com.genymobile.scrcpy.Server",
		o.Version,
		"log_level=info",
		fmt.Sprintf("max_size=%d", o.MaxSize),
		fmt.Sprintf("bit_rate=%d", o.BitRate),
		fmt.Sprintf("max_fps=%d", o.MaxFPS),
		"lock_video_orientation=-1",
		"tunnel_forward=true",
		"control=true",
		fmt.Sprintf("display_id=%d", o.DisplayID),
		"show_touches=true",
		"stay_awake=false",
		"codec_options=profile=1,level=2",
		"encoder_name=OMX.google.h264.encoder",
		"power_off_on_close=false",
		"clipboard_autosync=false",
		"downsize_on_error=true",
		"cleanup=true",
		"power_on=true",
		"send_device_meta=true",
		"send_frame_meta=false",
		"send_dummy_byte=true",
		"raw_video_stream=false",
	}
}

// DeployServer starts scrcpy-server.jar on serial over an adb shell
// session kept open for the server's lifetime; killing the returned
// process tears the server down.
func DeployServer(ctx context.Context, cmdr procsup.Commander, serial string, opts ServerOptions) (*procsup.Process, error) {
	args := append([]string{"-s", serial, "shell"}, opts.args()...)
	proc, err := procsup.Start(ctx, cmdr, "adb", args...)
	if err != nil {
		return nil, fmt.Errorf("scrcpy: deploying server to %s: %w", serial, err)
	}
	return proc, nil
}
