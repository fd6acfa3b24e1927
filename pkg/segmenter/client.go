// Package segmenter provides a client for a text-prompted segmentation
// model server used as the slow PPE verifier.
package segmenter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

// SegmentRequest is the body posted to the server.
type SegmentRequest struct {
	Image   string   `json:"image"`
	Format  string   `json:"format"`
	Prompts []string `json:"prompts"`
	Region  string   `json:"region"`
}

// SegmentResponse is the server's answer. Coverage is the largest mask's
// share of the crop.
type SegmentResponse struct {
	ItemFound bool    `json:"item_found"`
	Coverage  float64 `json:"coverage"`
	Masks     int     `json:"masks"`
	Error     string  `json:"error,omitempty"`
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// Client calls the segmentation server. It implements verify.RegionVerifier.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ verify.RegionVerifier = (*Client)(nil)

// NewClient creates a segmentation client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyRegion segments crop with the region's prompts. Throttling and
// server errors come back as resilience.TransientError so a guard retries
// them.
func (c *Client) VerifyRegion(ctx context.Context, crop image.Image, region model.Region) (verify.Finding, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return verify.Finding{}, eris.Wrap(err, "segmenter: encode crop")
	}

	resp, err := c.Segment(ctx, SegmentRequest{
		Image:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Format:  "png",
		Prompts: verify.Prompts(region),
		Region:  string(region),
	})
	if err != nil {
		return verify.Finding{}, err
	}
	return verify.Finding{Found: resp.ItemFound, Confidence: resp.Coverage}, nil
}

// Segment posts one request to /segment.
func (c *Client) Segment(ctx context.Context, sr SegmentRequest) (*SegmentResponse, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, eris.Wrap(err, "segmenter: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segment", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "segmenter: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "segmenter: request")
		}
		return nil, resilience.Transient(eris.Wrap(err, "segmenter: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "segmenter: read body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("segmenter: status %d: %s", resp.StatusCode, truncate(data, 200))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, err
	}

	var out SegmentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "segmenter: decode response")
	}
	if out.Error != "" {
		return nil, eris.Errorf("segmenter: server error: %s", out.Error)
	}
	return &out, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "segmenter: create health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "segmenter: health")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("segmenter: health status %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
