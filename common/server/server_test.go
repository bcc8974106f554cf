package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopsOnContextCancel(t *testing.T) {
	srv := New("test", 0, http.NotFoundHandler(), logger.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewAddr(t *testing.T) {
	srv := New("test", 8080, http.NotFoundHandler(), logger.NewDiscard())
	assert.Equal(t, ":8080", srv.httpServer.Addr)
}
