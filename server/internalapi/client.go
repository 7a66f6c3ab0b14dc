package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
	"github.com/nguyentanjr/file-storage-based-aws/server/replication"
)

// DefaultClientTimeout bounds each status call.
const DefaultClientTimeout = 10 * time.Second

// Client is a replication.StatusStore that talks to a remote internal API.
// Workers running away from the database use it to report outcomes.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ replication.StatusStore = (*Client)(nil)

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

func (c *Client) statusURL(resourceID int64) string {
	return c.baseURL + "/api/internal/backup/" + url.PathEscape(strconv.FormatInt(resourceID, 10)) + "/status"
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("internal API request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode internal API response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return replication.ErrResourceNotFound
	case http.StatusConflict:
		return backupstatus.ErrInvalidTransition
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("internal API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func (c *Client) SetStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) error {
	req := UpdateStatusRequest{Status: string(status), Error: errMsg}
	return c.do(ctx, http.MethodPost, c.statusURL(resourceID), req, nil)
}

func (c *Client) GetStatus(ctx context.Context, resourceID int64) (replication.Record, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, c.statusURL(resourceID), nil, &resp); err != nil {
		return replication.Record{}, err
	}
	return replication.Record{
		ResourceID:  resp.ResourceID,
		ObjectKey:   resp.FilePath,
		Status:      backupstatus.Status(resp.BackupStatus),
		BackupAt:    resp.BackupAt,
		BackupError: resp.BackupError,
	}, nil
}

// QueueStats fetches the remote job queue depth.
func (c *Client) QueueStats(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/internal/queue/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
