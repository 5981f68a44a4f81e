package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/liuma-go/provider/internal/adb"
	"github.com/liuma-go/provider/internal/adbdevice"
	"github.com/liuma-go/provider/internal/agenterr"
	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/pipeforward"
	"github.com/liuma-go/provider/internal/portalloc"
	"github.com/liuma-go/provider/internal/procsup"
	"github.com/liuma-go/provider/internal/scrcpy"
)

// AndroidArtifact is a file pushed to /data/local/tmp before the agent
// starts: a plain helper binary when PackageName is empty, or a helper
// APK installed once pushed when PackageName is set.
type AndroidArtifact struct {
	LocalPath   string
	RemoteName  string
	PackageName string
	Version     string
}

// AndroidOptions configures one Android device's prep pipeline.
type AndroidOptions struct {
	Serial    string
	Artifacts []AndroidArtifact
	// AgentPorts are the device-side TCP ports the agent binary listens
	// on once started (7912, 6677 in production).
	AgentPorts []int
	// AgentBinaryDir resolves an ABI-selected binary name (e.g.
	// "atx-agent-armv7") to its local path.
	AgentBinaryDir func(binaryName string) string
}

// forwarderChild adapts pipeforward.Forwarder to model.ChildProcess,
// which requires a Stop() error method; Forwarder.Stop takes no error.
type forwarderChild struct{ f *pipeforward.Forwarder }

func (c forwarderChild) Stop() error {
	c.f.Stop()
	return nil
}

// androidPipeline implements Pipeline for an Android device: pushes
// helper artifacts, starts the on-device agent, forwards its ports
// through a pipe forwarder, and deploys the scrcpy screen-capture
// server and its proxy.
type androidPipeline struct {
	opts      AndroidOptions
	client    *adb.Client
	device    *adbdevice.Device
	cmdr      procsup.Commander
	allocator *portalloc.Allocator

	agentPort       int
	screenProxyPort int
}

// NewAndroidPipeline builds the Pipeline driving opts.Serial.
func NewAndroidPipeline(opts AndroidOptions, client *adb.Client, cmdr procsup.Commander, allocator *portalloc.Allocator) Pipeline {
	return &androidPipeline{
		opts:      opts,
		client:    client,
		device:    adbdevice.New(client, opts.Serial),
		cmdr:      cmdr,
		allocator: allocator,
	}
}

func (p *androidPipeline) Prepare(ctx context.Context, rec *model.DeviceRecord) (model.Endpoints, map[string]any, error) {
	serial := p.opts.Serial

	agentBin, err := p.device.AgentBinary(ctx)
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: select agent binary", err)
	}

	artifacts := p.opts.Artifacts
	if p.opts.AgentBinaryDir != nil {
		artifacts = append([]AndroidArtifact{{
			LocalPath:  p.opts.AgentBinaryDir(agentBin),
			RemoteName: "atx-agent",
		}}, artifacts...)
	}

	for _, a := range artifacts {
		remote := "/data/local/tmp/" + a.RemoteName
		if err := p.pushIfDiffers(ctx, a.LocalPath, remote); err != nil {
			return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: push "+a.RemoteName, err)
		}
		if a.PackageName != "" {
			if err := p.installIfDiffers(ctx, remote, a.PackageName, a.Version); err != nil {
				return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: install "+a.PackageName, err)
			}
		}
	}

	// killall's exit status is 1 when nothing was running; that is not a
	// prep failure, so its error is deliberately discarded.
	_, _ = p.client.Shell(ctx, serial, "killall atx-agent")
	startCmd := "chmod 755 /data/local/tmp/atx-agent; nohup /data/local/tmp/atx-agent -d >/dev/null 2>&1 &"
	if _, err := p.client.Shell(ctx, serial, startCmd); err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: start agent", err)
	}

	var localPorts []int
	for _, devicePort := range p.opts.AgentPorts {
		remote := fmt.Sprintf("tcp:%d", devicePort)
		adbLocal, err := p.device.ForwardToAny(ctx, p.allocator, remote)
		if err != nil {
			return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: forward port", err)
		}
		rec.AddPort(adbLocal)

		publicPort, err := p.allocator.Alloc()
		if err != nil {
			return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: alloc pipe-forward port", err)
		}
		rec.AddPort(publicPort)

		fwd := pipeforward.New(fmt.Sprintf("0.0.0.0:%d", publicPort), fmt.Sprintf("127.0.0.1:%d", adbLocal))
		if err := fwd.Start(ctx); err != nil {
			return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: start pipe forwarder", err)
		}
		rec.AddChild(forwarderChild{fwd})
		localPorts = append(localPorts, publicPort)
	}
	if len(localPorts) == 0 {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare", fmt.Errorf("no agent ports configured"))
	}
	p.agentPort = localPorts[0]

	scrcpyProc, err := scrcpy.DeployServer(ctx, p.cmdr, serial, scrcpy.DefaultServerOptions())
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: deploy scrcpy server", err)
	}
	rec.AddChild(scrcpyProc)

	scClient, err := scrcpy.Connect(ctx, serial, 3*time.Second)
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: connect scrcpy client", err)
	}
	rec.AddChild(scClient)

	screenPort, err := p.allocator.Alloc()
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: alloc screen-proxy port", err)
	}
	rec.AddPort(screenPort)
	p.screenProxyPort = screenPort

	proxy, err := scrcpy.ServeProxy(screenPort, scClient)
	if err != nil {
		return model.Endpoints{}, nil, agenterr.New(agenterr.PerDevice, "android prepare: start screen proxy", err)
	}
	rec.AddChild(proxy)

	propMap := map[string]any{}
	if props, err := p.device.Properties(ctx); err == nil {
		propMap["brand"] = props.Brand
		propMap["model"] = props.Model
		propMap["version"] = props.Version
		propMap["size"] = props.Size
	}

	return p.endpoints(), propMap, nil
}

func (p *androidPipeline) endpoints() model.Endpoints {
	return model.Endpoints{
		AgentURL:        fmt.Sprintf("http://127.0.0.1:%d", p.agentPort),
		ScreenStreamURL: fmt.Sprintf("ws://127.0.0.1:%d/stream", p.screenProxyPort),
		InputURL:        fmt.Sprintf("http://127.0.0.1:%d/input", p.screenProxyPort),
	}
}

// HealthCheck round-trips a shell echo and an HTTP GET against the
// agent, matching the source's android health probe.
func (p *androidPipeline) HealthCheck(ctx context.Context, _ *model.DeviceRecord) (model.Endpoints, error) {
	out, err := p.client.Shell(ctx, p.opts.Serial, "echo ok")
	if err != nil || strings.TrimSpace(out) != "ok" {
		return model.Endpoints{}, fmt.Errorf("android health check: shell echo failed: %w", err)
	}

	req, err := httpGetRequest(ctx, fmt.Sprintf("http://127.0.0.1:%d/", p.agentPort))
	if err != nil {
		return model.Endpoints{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return model.Endpoints{}, fmt.Errorf("android health check: agent HTTP probe: %w", err)
	}
	resp.Body.Close()

	return p.endpoints(), nil
}

// Recover restarts the on-device agent and re-checks it is reachable.
// It does not re-run the full artifact push/install sequence: a
// degraded agent almost always means the process died, not that the
// binaries changed underneath it.
func (p *androidPipeline) Recover(ctx context.Context, _ *model.DeviceRecord) error {
	startCmd := "killall atx-agent; chmod 755 /data/local/tmp/atx-agent; nohup /data/local/tmp/atx-agent -d >/dev/null 2>&1 &"
	if _, err := p.client.Shell(ctx, p.opts.Serial, startCmd); err != nil {
		return fmt.Errorf("android recover: restarting agent: %w", err)
	}
	return nil
}

// Teardown has nothing pipeline-local to release: every helper process
// and port it started during Prepare was registered on rec, which
// drains and releases them right after this call returns.
func (p *androidPipeline) Teardown(_ context.Context, _ *model.DeviceRecord) {}

// pushIfDiffers pushes local to remote iff the remote file is missing or
// its size/mode differs, then sets mode 0755 on whatever is there now.
func (p *androidPipeline) pushIfDiffers(ctx context.Context, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("stat local artifact %s: %w", local, err)
	}

	remoteSize, remoteMode, exists := p.statRemote(ctx, remote)
	if exists && remoteSize == info.Size() && remoteMode == 0o755 {
		return nil
	}

	if err := adb.Push(ctx, p.opts.Serial, local, remote); err != nil {
		return err
	}
	_, err = p.client.Shell(ctx, p.opts.Serial, "chmod 755 "+remote)
	return err
}

// statRemote shells `stat -c '%s %a'` for remote and parses its size and
// octal mode; exists is false if the path does not exist on-device.
func (p *androidPipeline) statRemote(ctx context.Context, remote string) (size int64, mode int64, exists bool) {
	out, err := p.client.Shell(ctx, p.opts.Serial, fmt.Sprintf("stat -c '%%s %%a' %s 2>/dev/null", remote))
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0, false
	}
	size, err1 := strconv.ParseInt(fields[0], 10, 64)
	mode, err2 := strconv.ParseInt(fields[1], 8, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return size, mode, true
}

// installIfDiffers installs the APK at remote iff the on-device
// versionName for pkg differs from version.
func (p *androidPipeline) installIfDiffers(ctx context.Context, remote, pkg, version string) error {
	out, _ := p.client.Shell(ctx, p.opts.Serial, fmt.Sprintf("dumpsys package %s | grep versionName", pkg))
	installed := parseVersionName(out)
	if installed != "" && installed == version {
		return nil
	}
	return adb.InstallAPK(ctx, p.opts.Serial, remote)
}

func parseVersionName(dumpsysOutput string) string {
	idx := strings.Index(dumpsysOutput, "versionName=")
	if idx < 0 {
		return ""
	}
	rest := dumpsysOutput[idx+len("versionName="):]
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}
