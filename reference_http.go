package tamperlog

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	protobufContentType = "application/x-protobuf"
	referencePathPrefix = "/api/v1/references/"
	maxReferenceBody    = 64 << 10
)

// HTTPReference is a ReferenceStore backed by a remote ReferenceServer.
// Only checkpoints cross the wire; log records never leave the host.
type HTTPReference struct {
	BaseURL string       // Base URL of the reference server (e.g., "https://trust.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewHTTPReference creates a client for the reference server at baseURL.
func NewHTTPReference(baseURL string) *HTTPReference {
	return &HTTPReference{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPReference) endpoint(name string) string {
	return h.BaseURL + referencePathPrefix + url.PathEscape(name)
}

// Load fetches the latest checkpoint for name. A 404 means none exists.
func (h *HTTPReference) Load(name string) (Checkpoint, bool, error) {
	if err := ValidateName(name); err != nil {
		return Checkpoint{}, false, err
	}
	resp, err := h.Client.Get(h.endpoint(name))
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBody))
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Checkpoint{}, false, nil
	default:
		return Checkpoint{}, false, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	c, err := DecodeCheckpoint(body)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

// Save posts c to the reference server.
func (h *HTTPReference) Save(name string, c Checkpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	resp, err := h.Client.Post(h.endpoint(name), protobufContentType, bytes.NewReader(EncodeCheckpoint(c)))
	if err != nil {
		return fmt.Errorf("post checkpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBody))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
