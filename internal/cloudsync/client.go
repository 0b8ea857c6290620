package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-pos-core/internal/syncproto"
)

// Client posts sync batches to the cloud mirror.
type Client struct {
	HTTP     *http.Client
	SyncKey  string
	DeviceID string
}

// NewClient returns a client with a bounded request timeout.
func NewClient(syncKey, deviceID string) *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		SyncKey:  syncKey,
		DeviceID: deviceID,
	}
}

// RejectedError is the cloud refusing a request's content. Sending the same
// body again gets the same answer.
type RejectedError struct {
	Path    string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("post %s: rejected with status %d: %s", e.Path, e.Status, e.Message)
}

// IsRejected reports whether err is a permanent rejection by the cloud.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Post sends body as JSON to baseURL+path and decodes the sync response.
// Any transport error, non-2xx status or success=false is an error; a 400,
// 409, 413 or 422 answer is a *RejectedError.
func (c *Client) Post(ctx context.Context, baseURL, path string, body any) (syncproto.Response, error) {
	var out syncproto.Response

	raw, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("encode %s: %w", path, err)
	}

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SyncKey != "" {
		req.Header.Set(syncproto.HeaderSyncKey, c.SyncKey)
	}
	if c.DeviceID != "" {
		req.Header.Set(syncproto.HeaderDeviceID, c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return out, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read %s response: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
			return out, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return out, &RejectedError{Path: path, Status: resp.StatusCode, Message: out.Error}
	}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, out.Error)
	}
	if !out.Success {
		return out, fmt.Errorf("post %s: rejected: %s", path, out.Error)
	}
	return out, nil
}
