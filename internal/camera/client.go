// Package camera talks to the camera hardware adapter over HTTP. The
// adapter owns the sensor; this client only sends settings and pulls
// back captured files.
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"skylapse/internal/exposure"
)

// CaptureResponse is the adapter's reply to POST /capture.
type CaptureResponse struct {
	Status       string             `json:"status"`
	ImagePath    string             `json:"image_path"`
	SettingsEcho *exposure.Settings `json:"settings_echo,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Client is the HTTP client for one camera adapter endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for baseURL with a per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Capture posts settings to the adapter and returns its response. A
// non-success status or empty image_path is reported as an error.
func (c *Client) Capture(ctx context.Context, settings exposure.Settings) (*CaptureResponse, error) {
	if err := validateSettings(settings); err != nil {
		return nil, fmt.Errorf("refusing capture: %w", err)
	}

	body, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/capture", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture request: adapter returned %s", resp.Status)
	}

	var out CaptureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("capture response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("capture failed: %s", firstNonEmpty(out.Message, out.Status))
	}
	if out.ImagePath == "" {
		return nil, fmt.Errorf("capture succeeded but adapter returned empty image_path")
	}
	return &out, nil
}

// Download streams the captured image file from the adapter. The caller
// owns closing the returned reader.
func (c *Client) Download(ctx context.Context, imagePath string) (io.ReadCloser, error) {
	u := c.baseURL + "/images/" + url.PathEscape(path.Base(path.Dir(imagePath))) + "/" + url.PathEscape(path.Base(imagePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("image download: adapter returned %s", resp.Status)
	}
	return resp.Body, nil
}

// MeterLux reads the adapter's ambient light sensor. Adapters without a
// meter endpoint return 404, which surfaces here as an error so the
// planner falls back to the solar estimate.
func (c *Client) MeterLux(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/meter", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("meter request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("meter request: adapter returned %s", resp.Status)
	}
	var out struct {
		Lux float64 `json:"lux"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("meter response: %w", err)
	}
	return out.Lux, nil
}

// Healthy reports whether the adapter answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// validateSettings mirrors the adapter's request validation so bad plans
// fail before touching the network.
func validateSettings(s exposure.Settings) error {
	if !exposure.ValidISO(s.ISO) {
		return fmt.Errorf("iso %d not in allowed set", s.ISO)
	}
	if s.EV < -2.0 || s.EV > 2.0 {
		return fmt.Errorf("ev %v out of range [-2.0, +2.0]", s.EV)
	}
	if _, err := exposure.ParseShutter(s.Shutter); err != nil {
		return err
	}
	switch s.BracketCount {
	case 0, 1, 3, 5:
	default:
		return fmt.Errorf("bracket_count %d must be 1, 3 or 5", s.BracketCount)
	}
	if s.BracketCount > 1 {
		if len(s.BracketEV) < s.BracketCount {
			return fmt.Errorf("bracket_ev needs %d values, got %d", s.BracketCount, len(s.BracketEV))
		}
		for i, ev := range s.BracketEV {
			if ev < -2.0 || ev > 2.0 {
				return fmt.Errorf("bracket_ev[%d] = %v out of range [-2.0, +2.0]", i, ev)
			}
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
