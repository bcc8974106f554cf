package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, timeout time.Duration) *SyncClient {
	return NewSyncClient(SyncClientConfig{
		BaseURL:    url,
		SiteID:     "store-1",
		HardwareID: "hw-1",
		Username:   "store1",
		Password:   "secret",
		Timeout:    timeout,
	}, logger.NewDiscard())
}

func TestQueuedRecordsSendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/v5/queued_records", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "store1", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "hw-1", r.Header.Get(models.HardwareIDHeader))
		assert.Equal(t, "req-9", r.Header.Get("X-Request-ID"))

		var req models.SiteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "store-1", req.SiteID)

		json.NewEncoder(w).Encode(models.Batch{
			Stream:      models.StreamQueued,
			Records:     []models.SyncRecord{{Sequence: 3, TableName: models.TableInvoice, RecordID: "inv-1", Action: models.ActionUpsert}},
			MaxSequence: 3,
		})
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "req-9")
	batch, err := newTestClient(srv.URL, time.Second).QueuedRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), batch.MaxSequence)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "inv-1", batch.Records[0].RecordID)
}

func TestErrorBodiesMapToKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"forbidden", http.StatusForbidden, `{"error":"forbidden","message":"site mismatch"}`, syncerr.ErrForbidden},
		{"not initialised", http.StatusConflict, `{"error":"site_not_initialised","message":"x"}`, syncerr.ErrSiteNotInitialised},
		{"protocol", http.StatusBadRequest, `{"error":"protocol_error","message":"x"}`, syncerr.ErrProtocol},
		{"plain 502", http.StatusBadGateway, `bad gateway`, syncerr.ErrTransport},
		{"plain 401", http.StatusUnauthorized, ``, syncerr.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, time.Second).Acknowledge(context.Background(), models.StreamQueued, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(srv.URL, 50*time.Millisecond).Initialise(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrTransport))
	assert.True(t, syncerr.IsTransient(err))
}

func TestStatusEscapesSiteID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "store-1", r.URL.Query().Get("site_id"))
		json.NewEncoder(w).Encode(models.SiteStatus{SiteID: "store-1"})
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, time.Second).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "store-1", status.SiteID)
}
