package wda

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// httpClient bounds each WDA request: 3s to connect, 15s for the whole request.
var httpClient = &http.Client{
	Timeout:   15 * time.Second,
	Transport: &http.Transport{DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext},
}

// StatusInfo is the subset of WDA's /status response this agent reads.
type StatusInfo struct {
	Raw map[string]any
}

// Status fetches /status from baseURL. A non-2xx response or a transport
// error is returned as err; the session being not-yet-ready and a
// genuine failure look identical to the caller, which is the point —
// both mean "not ready yet".
func Status(ctx context.Context, baseURL string) (StatusInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return StatusInfo{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return StatusInfo{}, fmt.Errorf("wda: /status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusInfo{}, fmt.Errorf("wda: /status: unexpected status %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return StatusInfo{}, fmt.Errorf("wda: /status: decoding response: %w", err)
	}
	return StatusInfo{Raw: info}, nil
}

// screenshotOK fetches /screenshot and verifies the base64 payload
// decodes to data starting with a PNG header, the same sanity check the
// source applies before trusting a WDA instance is actually serving.
func screenshotOK(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/screenshot", nil)
	if err != nil {
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Value)
	if err != nil || len(raw) < len(pngHeader) {
		return false
	}
	for i, b := range pngHeader {
		if raw[i] != b {
			return false
		}
	}
	return true
}

// IsAlive runs both the /status and /screenshot checks, mirroring the
// source's is_wda_alive two-stage health probe.
func IsAlive(ctx context.Context, baseURL string) bool {
	if _, err := Status(ctx, baseURL); err != nil {
		return false
	}
	return screenshotOK(ctx, baseURL)
}

// Home sends the device to its home screen. Errors are non-fatal: it is
// only used to get a stable screen before measuring window size.
func Home(ctx context.Context, baseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/wda/homescreen", nil)
	if err != nil {
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// ScreenSize sends the device home, then reads /window/size and returns
// it as "W*H", or "unknown" on any failure, matching the source's
// fallback behavior.
func ScreenSize(ctx context.Context, baseURL string) string {
	Home(ctx, baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/window/size", nil)
	if err != nil {
		return "unknown"
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "unknown"
	}
	defer resp.Body.Close()

	var payload struct {
		Value struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%d*%d", int(payload.Value.Width), int(payload.Value.Height))
}
