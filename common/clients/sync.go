package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// SyncClientConfig identifies a site to the central server
type SyncClientConfig struct {
	BaseURL    string
	SiteID     string
	HardwareID string
	Username   string
	Password   string

	// Bounds every round trip; a timeout is reported as a transport error
	Timeout time.Duration
}

// SyncClient speaks the /sync/v5 protocol on behalf of one site
type SyncClient struct {
	cfg    SyncClientConfig
	http   *HTTPClient
	logger Logger
}

// NewSyncClient creates a new sync protocol client
func NewSyncClient(cfg SyncClientConfig, logger Logger) *SyncClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &SyncClient{
		cfg:    cfg,
		http:   NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, logger),
		logger: logger,
	}
}

// SiteID returns the site this client acts for
func (c *SyncClient) SiteID() string { return c.cfg.SiteID }

// Initialise requests a full snapshot and resets both cursors on the server
func (c *SyncClient) Initialise(ctx context.Context) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	if err := c.call(ctx, "initialise", http.MethodPost, "initialise", models.SiteRequest{SiteID: c.cfg.SiteID}, &snapshot); err != nil {
		return nil, err
	}

	c.logger.Info("received snapshot",
		"site_id", c.cfg.SiteID,
		"records", len(snapshot.Records),
		"queued_cursor", snapshot.QueuedCursor,
		"central_cursor", snapshot.CentralCursor)

	return &snapshot, nil
}

// QueuedRecords fetches the next batch of entries scoped to this site
func (c *SyncClient) QueuedRecords(ctx context.Context) (*models.Batch, error) {
	return c.pull(ctx, models.StreamQueued, "queued_records")
}

// CentralRecords fetches the next batch of broadcast entries
func (c *SyncClient) CentralRecords(ctx context.Context) (*models.Batch, error) {
	return c.pull(ctx, models.StreamCentral, "central_records")
}

// Records fetches the next batch of stream
func (c *SyncClient) Records(ctx context.Context, stream models.Stream) (*models.Batch, error) {
	if stream == models.StreamCentral {
		return c.CentralRecords(ctx)
	}
	return c.QueuedRecords(ctx)
}

func (c *SyncClient) pull(ctx context.Context, stream models.Stream, path string) (*models.Batch, error) {
	var batch models.Batch
	if err := c.call(ctx, path, http.MethodPost, path, models.SiteRequest{SiteID: c.cfg.SiteID}, &batch); err != nil {
		return nil, err
	}

	c.logger.Debug("received batch",
		"site_id", c.cfg.SiteID,
		"stream", stream,
		"records", len(batch.Records),
		"max_sequence", batch.MaxSequence,
		"more", batch.More)

	return &batch, nil
}

// Acknowledge reports that every entry of stream up to upTo has been applied
func (c *SyncClient) Acknowledge(ctx context.Context, stream models.Stream, upTo int64) (*models.AcknowledgeResponse, error) {
	req := models.AcknowledgeRequest{
		SiteID:       c.cfg.SiteID,
		Stream:       stream,
		UpToSequence: upTo,
	}

	var resp models.AcknowledgeResponse
	if err := c.call(ctx, "acknowledged_records", http.MethodPost, "acknowledged_records", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server's view of this site's cursors
func (c *SyncClient) Status(ctx context.Context) (*models.SiteStatus, error) {
	var status models.SiteStatus
	path := "status?site_id=" + url.QueryEscape(c.cfg.SiteID)
	if err := c.call(ctx, "status", http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// call performs one bounded round trip and classifies every failure
func (c *SyncClient) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return syncerr.Protocol(op, "encode request: %v", err)
		}
		body = bytes.NewReader(payload)
	}

	endpoint := fmt.Sprintf("%s%s/%s", c.cfg.BaseURL, models.SyncPathPrefix, path)
	resp, err := c.http.DoRequest(ctx, method, endpoint, body,
		WithBasicAuth(c.cfg.Username, c.cfg.Password),
		WithHeader(models.HardwareIDHeader, c.cfg.HardwareID),
	)
	if err != nil {
		c.logger.Warn("sync request failed", "op", op, "error", err)
		return syncerr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp models.ErrorResponse
		if json.Unmarshal(raw, &errResp) != nil || errResp.Error == "" {
			errResp.Message = string(raw)
		}
		return syncerr.FromHTTP(op, resp.StatusCode, errResp.Error, errResp.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
