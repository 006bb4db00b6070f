package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/httputil"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
)

// Client drives a running calibration session over its HTTP API.
type Client struct {
	HTTPClient httputil.HTTPClient
	BaseURL    string
}

// NewClient returns a client for the server at baseURL. A nil httpClient uses a
// plain *http.Client with a 10s timeout.
func NewClient(httpClient httputil.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{HTTPClient: httpClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

// StatusView mirrors calibration.Status with Mode and Phase as their wire names.
type StatusView struct {
	Mode         string                     `json:"mode"`
	Phase        string                     `json:"phase"`
	ActiveTopic  string                     `json:"active_topic"`
	LoadPending  bool                       `json:"load_pending"`
	Reference    string                     `json:"reference"`
	Missing      []string                   `json:"missing"`
	Ticks        uint64                     `json:"ticks"`
	LastSavePath string                     `json:"last_save_path"`
	LastSaveAt   *time.Time                 `json:"last_save_at"`
	LastError    string                     `json:"last_error"`
	Sensors      []calibration.SensorStatus `json:"sensors"`
}

// Status fetches the session status.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var st StatusView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/calibration/status", nil)
	if err != nil {
		return st, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if err := httputil.CheckResponse(resp); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}

// SelectTopic makes topic the active topic.
func (c *Client) SelectTopic(ctx context.Context, topic string) error {
	return c.post(ctx, "/api/calibration/topic", topicRequest{Topic: topic})
}

// AdjustParameters sets all six params of topic.
func (c *Client) AdjustParameters(ctx context.Context, topic string, p registry.ManualParams) error {
	return c.post(ctx, "/api/calibration/params", paramsRequest{Topic: topic, ManualParams: p})
}

// AdjustParameter sets one param of topic.
func (c *Client) AdjustParameter(ctx context.Context, topic string, field calibration.Field, value float64) error {
	return c.post(ctx, "/api/calibration/param", paramRequest{Topic: topic, Field: string(field), Value: &value})
}

// Save asks the session to write the transform table now.
func (c *Client) Save(ctx context.Context) error {
	return c.post(ctx, "/api/calibration/save", struct{}{})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return httputil.CheckResponse(resp)
}
