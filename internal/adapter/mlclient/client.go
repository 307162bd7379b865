// Package mlclient calls the external DnCNN denoise inference service.
// Model serving (and the weights) live outside this repository; the ml
// worker treats the service as a collaborator with a bytes-in/bytes-out
// contract.
package mlclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pixtools/pixtools/internal/domain"
)

// Client posts source images to the inference endpoint and returns the
// denoised PNG bytes.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New constructs a Client against the given base URL.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpc: &http.Client{}}
}

// Denoise runs inference on src. Resize parameters are forwarded as query
// parameters so the service scales before encoding. The response body is
// always PNG.
func (c *Client) Denoise(ctx context.Context, src []byte, params domain.OperationParams) ([]byte, error) {
	url := c.baseURL + "/v1/denoise"
	if params.Resize != nil {
		sep := "?"
		if params.Resize.Width > 0 {
			url += sep + "width=" + strconv.Itoa(params.Resize.Width)
			sep = "&"
		}
		if params.Resize.Height > 0 {
			url += sep + "height=" + strconv.Itoa(params.Resize.Height)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("op=denoise.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=denoise.post: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("op=denoise.post: %w: status %d", domain.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=denoise.post: status %d", resp.StatusCode)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=denoise.read: %w: %v", domain.ErrTransient, err)
	}
	return out, nil
}
