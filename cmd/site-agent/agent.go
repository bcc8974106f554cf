package main

import (
	"fmt"

	"github.com/lyzr/sitesync/cmd/site-agent/localstore"
	"github.com/lyzr/sitesync/cmd/site-agent/puller"
	"github.com/lyzr/sitesync/common/clients"
	"github.com/lyzr/sitesync/common/config"
	"github.com/lyzr/sitesync/common/logger"
)

// agent holds everything a command needs for one site
type agent struct {
	cfg    *config.Config
	log    *logger.Logger
	store  *localstore.Store
	client *clients.SyncClient
	puller *puller.Puller
}

// openAgent loads configuration, opens the site database and builds the
// client and puller around it
func openAgent(opts *rootOptions) (*agent, error) {
	cfg, err := config.Load("site-agent")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Database != "" {
		cfg.Site.DatabasePath = opts.Database
	}
	if err := cfg.ValidateSite(); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}

	level := cfg.Service.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log := logger.NewWithOptions(logger.Options{
		Level:  level,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	}).WithSiteID(cfg.Site.SiteID)

	store, err := localstore.Open(cfg.Site.DatabasePath)
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("failed to open site database: %w", err)
	}

	client := clients.NewSyncClient(clients.SyncClientConfig{
		BaseURL:    cfg.Site.URL,
		SiteID:     cfg.Site.SiteID,
		HardwareID: hardwareID(cfg),
		Username:   cfg.Site.Username,
		Password:   cfg.Site.Password,
		Timeout:    cfg.Site.RequestTimeout,
	}, log)

	return &agent{
		cfg:    cfg,
		log:    log,
		store:  store,
		client: client,
		puller: puller.New(client, store, log),
	}, nil
}

func (a *agent) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close site database", "error", err)
	}
	_ = a.log.Close()
}
