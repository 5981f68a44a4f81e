package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/registry"
)

type fakeCold struct {
	triggered []string
	known     map[string]bool
}

func (f *fakeCold) TriggerCold(serial string) bool {
	if !f.known[serial] {
		return false
	}
	f.triggered = append(f.triggered, serial)
	return true
}

type fakeShell struct {
	output string
	err    error
	calls  []string
}

func (f *fakeShell) Shell(_ context.Context, serial, command string) (string, error) {
	f.calls = append(f.calls, serial+": "+command)
	return f.output, f.err
}

func putDevice(reg *registry.Registry, serial string, platform model.Platform, endpoints model.Endpoints) {
	rec := model.NewDeviceRecord(serial, platform, func() {})
	rec.SetEndpoints(endpoints)
	rec.SetProperties(map[string]any{"screenSize": "1080x1920"})
	rec.SetPhase(model.PhaseReady)
	reg.Put(serial, rec)
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %s: %v", rr.Body.String(), err)
	}
	return env
}

func TestColdRoutesToMatchingSupervisor(t *testing.T) {
	reg := registry.New()
	cold := &fakeCold{known: map[string]bool{"SERIAL1": true}}
	router := NewRouter(Options{Registry: reg, Cold: cold, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodPost, "/cold?serial=SERIAL1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 0 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	if len(cold.triggered) != 1 || cold.triggered[0] != "SERIAL1" {
		t.Fatalf("expected SERIAL1 to be cold-triggered, got %v", cold.triggered)
	}
}

func TestColdUnknownSerialReturnsError(t *testing.T) {
	reg := registry.New()
	cold := &fakeCold{known: map[string]bool{}}
	router := NewRouter(Options{Registry: reg, Cold: cold, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodPost, "/cold?serial=GHOST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 {
		t.Fatalf("expected error envelope for unknown serial, got %+v", env)
	}
}

func TestUninstallSuccess(t *testing.T) {
	reg := registry.New()
	putDevice(reg, "SERIAL1", model.PlatformAndroid, model.Endpoints{AgentURL: "http://127.0.0.1:1"})
	shell := &fakeShell{output: "Success\n"}
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: shell})

	body := strings.NewReader(`{"serial":"SERIAL1","packageName":"com.example.app"}`)
	req := httptest.NewRequest(http.MethodPost, "/app/uninstall", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 0 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	if len(shell.calls) != 1 || !strings.Contains(shell.calls[0], "pm uninstall com.example.app") {
		t.Fatalf("expected a pm uninstall shell call, got %v", shell.calls)
	}
}

func TestUninstallUnknownDevice(t *testing.T) {
	reg := registry.New()
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}})

	body := strings.NewReader(`{"serial":"GHOST","packageName":"com.example.app"}`)
	req := httptest.NewRequest(http.MethodPost, "/app/uninstall", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 {
		t.Fatalf("expected error envelope for unknown device, got %+v", env)
	}
}

func TestUninstallFailureOutput(t *testing.T) {
	reg := registry.New()
	putDevice(reg, "SERIAL1", model.PlatformAndroid, model.Endpoints{})
	shell := &fakeShell{output: "Failure [DELETE_FAILED_INTERNAL_ERROR]"}
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: shell})

	body := strings.NewReader(`{"serial":"SERIAL1","packageName":"com.example.app"}`)
	req := httptest.NewRequest(http.MethodPost, "/app/uninstall", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 {
		t.Fatalf("expected error envelope when pm uninstall doesn't report Success, got %+v", env)
	}
}

func TestScreenshotProxiesAgentEndpoint(t *testing.T) {
	jpegBytes := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/screenshot" {
			http.NotFound(w, r)
			return
		}
		w.Write(jpegBytes)
	}))
	defer agent.Close()

	reg := registry.New()
	putDevice(reg, "SERIAL1", model.PlatformAndroid, model.Endpoints{AgentURL: agent.URL})
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodGet, "/device/screenshot?serial=SERIAL1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 0 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["type"] != "jpeg" || data["encoding"] != "base64" {
		t.Fatalf("unexpected screenshot payload shape: %+v", env.Data)
	}
}

func TestScreenshotTranscodesIOSPNGToJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("encoding fixture PNG: %v", err)
	}

	wda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/screenshot" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngBuf.Bytes())
	}))
	defer wda.Close()

	reg := registry.New()
	putDevice(reg, "IOSUDID", model.PlatformIOS, model.Endpoints{AutomationURL: wda.URL})
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodGet, "/device/screenshot?serial=IOSUDID", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 0 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["type"] != "jpeg" {
		t.Fatalf("expected a jpeg-typed payload regardless of platform, got %+v", env.Data)
	}

	raw, err := base64.StdEncoding.DecodeString(data["data"].(string))
	if err != nil {
		t.Fatalf("decoding base64 payload: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("expected transcoded payload to decode as JPEG: %v", err)
	}
}

func TestScreenshotUnknownDevice(t *testing.T) {
	reg := registry.New()
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodGet, "/device/screenshot?serial=GHOST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 {
		t.Fatalf("expected error envelope for unknown device, got %+v", env)
	}
}

func TestHierarchyProxiesAndIncludesWindowSize(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dump/hierarchy" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"<hierarchy/>"}`))
	}))
	defer agent.Close()

	reg := registry.New()
	putDevice(reg, "SERIAL1", model.PlatformAndroid, model.Endpoints{AgentURL: agent.URL})
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}})

	req := httptest.NewRequest(http.MethodGet, "/device/hierarchy?serial=SERIAL1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 0 {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["windowSize"] != "1080x1920" {
		t.Fatalf("expected windowSize from device properties, got %+v", env.Data)
	}
	if _, ok := data["jsonHierarchy"]; !ok {
		t.Fatalf("expected a jsonHierarchy field, got %+v", env.Data)
	}
}

func TestInstallRejectsNonAndroidDevice(t *testing.T) {
	reg := registry.New()
	putDevice(reg, "IOSUDID", model.PlatformIOS, model.Endpoints{})
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}, VendorDir: t.TempDir()})

	body := strings.NewReader(`{"serial":"IOSUDID","url":"http://example.com/app.apk"}`)
	req := httptest.NewRequest(http.MethodPost, "/app/install", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 || !strings.Contains(env.Message, "Android") {
		t.Fatalf("expected an Android-only error, got %+v", env)
	}
}

func TestInstallUnknownDevice(t *testing.T) {
	reg := registry.New()
	router := NewRouter(Options{Registry: reg, Cold: &fakeCold{known: map[string]bool{}}, AdbClient: &fakeShell{}, VendorDir: t.TempDir()})

	body := strings.NewReader(`{"serial":"GHOST","url":"http://example.com/app.apk"}`)
	req := httptest.NewRequest(http.MethodPost, "/app/install", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	env := decodeEnvelope(t, rr)
	if env.Status != 1000 {
		t.Fatalf("expected error envelope for unknown device, got %+v", env)
	}
}
