package container

import (
	"fmt"

	"github.com/lyzr/sitesync/cmd/sync-server/repository"
	"github.com/lyzr/sitesync/cmd/sync-server/service"
	"github.com/lyzr/sitesync/common/bootstrap"
	"github.com/lyzr/sitesync/common/ratelimit"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	ChangeLogRepo *repository.ChangeLogRepository
	CursorRepo    *repository.CursorRepository
	RecordRepo    *repository.RecordRepository
	SiteRepo      *repository.SiteRepository
	DocumentRepo  *repository.DocumentRepository
	HeadRepo      *repository.HeadRepository

	// Services
	ChangeLogService *service.ChangeLogService
	SyncService      *service.SyncService
	SiteService      *service.SiteService
	DocumentService  *service.DocumentService
	Pruner           *service.Pruner

	// Nil when Redis is unavailable; limiting is then skipped
	RateLimiter ratelimit.Limiter
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	if components.DB == nil {
		return nil, fmt.Errorf("sync server requires a database")
	}

	visibility, err := service.NewVisibilityFilter(cfg.Sync.VisibilityRule)
	if err != nil {
		return nil, fmt.Errorf("failed to compile visibility rule: %w", err)
	}

	// Initialize repositories
	changeLogRepo := repository.NewChangeLogRepository(components.DB)
	cursorRepo := repository.NewCursorRepository(components.DB)
	recordRepo := repository.NewRecordRepository(components.DB)
	siteRepo := repository.NewSiteRepository(components.DB)
	documentRepo := repository.NewDocumentRepository(components.DB)
	headRepo := repository.NewHeadRepository(components.DB)

	// Acknowledgments serialize across replicas when Redis is present
	var locker service.Locker = service.NewLocalLocker()
	var limiter ratelimit.Limiter
	if components.Redis != nil {
		locker = service.NewRedisLocker(components.Redis, log)
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	} else {
		log.Warn("redis unavailable, using in-process ack lock and no rate limiting")
	}

	// Initialize services (bottom-up: dependencies first)
	changeLogService := service.NewChangeLogService(
		components.DB,
		changeLogRepo,
		recordRepo,
		cursorRepo,
		log,
	)

	syncService := service.NewSyncService(
		components.DB,
		changeLogService,
		changeLogRepo,
		cursorRepo,
		recordRepo,
		siteRepo,
		visibility,
		locker,
		service.SyncOptions{
			BatchSize:     cfg.Sync.BatchSize,
			CentralSiteID: cfg.Sync.CentralSiteID,
			AckLockTTL:    cfg.Sync.AckLockTTL,
		},
		log,
	)

	siteService := service.NewSiteService(siteRepo, cfg.Sync.CentralSiteID, log)

	documentService := service.NewDocumentService(
		components.DB,
		documentRepo,
		headRepo,
		components.Cache,
		service.DocumentOptions{
			MaxMergeAttempts: cfg.Sync.MaxMergeAttempts,
			CacheTTL:         cfg.Cache.DefaultTTL,
		},
		log,
	)

	pruner := service.NewPruner(changeLogService, cfg.Sync.PruneInterval, cfg.Sync.Retention, log)

	log.Info("service container ready",
		"batch_size", cfg.Sync.BatchSize,
		"central_site_id", cfg.Sync.CentralSiteID,
		"visibility_rule", visibility.Expression(),
	)

	return &Container{
		Components:       components,
		ChangeLogRepo:    changeLogRepo,
		CursorRepo:       cursorRepo,
		RecordRepo:       recordRepo,
		SiteRepo:         siteRepo,
		DocumentRepo:     documentRepo,
		HeadRepo:         headRepo,
		ChangeLogService: changeLogService,
		SyncService:      syncService,
		SiteService:      siteService,
		DocumentService:  documentService,
		Pruner:           pruner,
		RateLimiter:      limiter,
	}, nil
}
