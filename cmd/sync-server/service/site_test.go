package service

import (
	"context"
	"testing"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	m := newMemStore()
	svc := NewSiteService(memSites{m}, "central", logger.NewDiscard())
	ctx := context.Background()

	site, err := svc.Register(ctx, RegisterSiteRequest{ID: "A", Username: "store-a", Password: "s3cret"})
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", site.PasswordHash)

	_, err = svc.Register(ctx, RegisterSiteRequest{ID: "A", Username: "other", Password: "x"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)
	_, err = svc.Register(ctx, RegisterSiteRequest{ID: "B", Username: "store-a", Password: "x"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)
	_, err = svc.Register(ctx, RegisterSiteRequest{ID: "central", Username: "c", Password: "x"})
	assert.ErrorIs(t, err, syncerr.ErrProtocol)

	_, err = svc.Authenticate(ctx, "store-a", "wrong", "")
	assert.ErrorIs(t, err, syncerr.ErrForbidden)
	_, err = svc.Authenticate(ctx, "nobody", "s3cret", "")
	assert.ErrorIs(t, err, syncerr.ErrForbidden)

	got, err := svc.Authenticate(ctx, "store-a", "s3cret", "")
	require.NoError(t, err)
	assert.Nil(t, got.HardwareID, "no hardware id presented, nothing bound")

	got, err = svc.Authenticate(ctx, "store-a", "s3cret", "hw-1")
	require.NoError(t, err)
	require.NotNil(t, got.HardwareID)
	assert.Equal(t, "hw-1", *got.HardwareID)

	_, err = svc.Authenticate(ctx, "store-a", "s3cret", "hw-2")
	assert.ErrorIs(t, err, syncerr.ErrForbidden)
	_, err = svc.Authenticate(ctx, "store-a", "s3cret", "")
	assert.ErrorIs(t, err, syncerr.ErrForbidden)

	_, err = svc.Authenticate(ctx, "store-a", "s3cret", "hw-1")
	assert.NoError(t, err)

	sites, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sites, 1)
}
