package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/liuma-go/provider/internal/adb"
	"github.com/liuma-go/provider/internal/fetch"
	"github.com/liuma-go/provider/internal/model"
)

// jpegQuality matches the default quality PIL's Image.save uses for JPEG,
// which is what the on-device collaborators' own screenshot encoders rely
// on for Android; iOS screenshots are transcoded to the same quality here
// so the wire contract doesn't depend on which platform answered.
const jpegQuality = 75

type handlers struct {
	opts Options
}

type installRequest struct {
	Serial string `json:"serial"`
	URL    string `json:"url"`
}

// install downloads the artifact at req.URL (cached by md5(url)), pushes
// it to /data/local/tmp, and installs it via pm install. Android only:
// there is no iOS app-install collaborator in this agent.
func (h *handlers) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "bad request: "+err.Error())
		return
	}

	rec, ok := h.opts.Registry.Get(req.Serial)
	if !ok {
		respondError(w, "unknown device: "+req.Serial)
		return
	}
	snap := rec.Snapshot()
	if snap.Platform != model.PlatformAndroid {
		respondError(w, "app install is only supported for Android devices")
		return
	}

	cacheDir := filepath.Join(h.opts.VendorDir, "tmp", string(snap.Platform))
	local, err := fetch.CachedFile(cacheDir, req.URL)
	if err != nil {
		respondError(w, "download failed: "+err.Error())
		return
	}

	remote := "/data/local/tmp/" + filepath.Base(local)
	if err := adb.Push(r.Context(), req.Serial, local, remote); err != nil {
		respondError(w, "push failed: "+err.Error())
		return
	}
	if err := adb.InstallAPK(r.Context(), req.Serial, remote); err != nil {
		respondError(w, "install failed: "+err.Error())
		return
	}
	respond(w, "install succeeded", nil)
}

type uninstallRequest struct {
	Serial      string `json:"serial"`
	PackageName string `json:"packageName"`
}

func (h *handlers) uninstall(w http.ResponseWriter, r *http.Request) {
	var req uninstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "bad request: "+err.Error())
		return
	}
	if req.PackageName == "" {
		respondError(w, "packageName is required")
		return
	}

	if _, ok := h.opts.Registry.Get(req.Serial); !ok {
		respondError(w, "unknown device: "+req.Serial)
		return
	}

	out, err := h.opts.AdbClient.Shell(r.Context(), req.Serial, "pm uninstall "+req.PackageName)
	if err != nil {
		respondError(w, "uninstall failed: "+err.Error())
		return
	}
	if !strings.Contains(out, "Success") {
		respondError(w, "uninstall failed: "+strings.TrimSpace(out))
		return
	}
	respond(w, "uninstall succeeded", nil)
}

// screenshot fetches a screenshot off the device's own agent endpoint
// (Android: atx-agent's /screenshot, already JPEG; iOS: WDA's /screenshot,
// PNG) and returns it inline as base64, always typed "jpeg" regardless of
// which platform answered: iOS's PNG is transcoded here so callers never
// need to branch on platform to know how to decode the payload.
func (h *handlers) screenshot(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	rec, ok := h.opts.Registry.Get(serial)
	if !ok {
		respondError(w, "unknown device: "+serial)
		return
	}
	snap := rec.Snapshot()

	base := snap.Endpoints.AgentURL
	isIOS := snap.Platform == model.PlatformIOS
	if isIOS {
		base = snap.Endpoints.AutomationURL
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/screenshot", nil)
	if err != nil {
		respondError(w, "building screenshot request: "+err.Error())
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		respondError(w, "fetching screenshot: "+err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respondError(w, fmt.Sprintf("fetching screenshot: unexpected status %d", resp.StatusCode))
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		respondError(w, "reading screenshot: "+err.Error())
		return
	}

	if isIOS {
		data, err = pngToJPEG(data)
		if err != nil {
			respondError(w, "transcoding screenshot: "+err.Error())
			return
		}
	}

	respond(w, "screenshot ok", map[string]any{
		"type":     "jpeg",
		"encoding": "base64",
		"data":     base64.StdEncoding.EncodeToString(data),
	})
}

// pngToJPEG re-encodes a PNG image as JPEG so WDA's screenshot format
// matches atx-agent's without leaking the difference to callers.
func pngToJPEG(src []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decoding PNG: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// hierarchy fetches the device's raw UI dump (Android: atx-agent's
// /dump/hierarchy; iOS: WDA's /source) and returns it alongside the
// properties the supervisor already collected. Translating the raw
// dump into a structured tree is the on-device agent/WDA's job, not
// this agent's — those internals are an external collaborator this
// repo only talks HTTP to.
func (h *handlers) hierarchy(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	rec, ok := h.opts.Registry.Get(serial)
	if !ok {
		respondError(w, "unknown device: "+serial)
		return
	}
	snap := rec.Snapshot()

	base := snap.Endpoints.AgentURL
	path := "/dump/hierarchy"
	if snap.Platform == model.PlatformIOS {
		base = snap.Endpoints.AutomationURL
		path = "/source"
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+path, nil)
	if err != nil {
		respondError(w, "building hierarchy request: "+err.Error())
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		respondError(w, "fetching hierarchy: "+err.Error())
		return
	}
	defer resp.Body.Close()

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		respondError(w, "decoding hierarchy response: "+err.Error())
		return
	}

	respond(w, "hierarchy ok", map[string]any{
		"jsonHierarchy": raw,
		"windowSize":    snap.Properties["screenSize"],
	})
}

func (h *handlers) cold(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		respondError(w, "serial is required")
		return
	}
	if !h.opts.Cold.TriggerCold(serial) {
		respondError(w, "unknown device: "+serial)
		return
	}
	respond(w, "cold restart requested", nil)
}
