package service

import (
	"context"
	"errors"

	"github.com/lyzr/sitesync/cmd/sync-server/repository"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
	"golang.org/x/crypto/bcrypt"
)

// SiteService manages the registry of remote sites and their credentials
type SiteService struct {
	sites         repository.SiteStore
	centralSiteID string
	log           *logger.Logger
}

// NewSiteService creates a new site registry service
func NewSiteService(sites repository.SiteStore, centralSiteID string, log *logger.Logger) *SiteService {
	return &SiteService{sites: sites, centralSiteID: centralSiteID, log: log}
}

// RegisterSiteRequest is the input to Register
type RegisterSiteRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates a site that may sync with the given credentials
func (s *SiteService) Register(ctx context.Context, req RegisterSiteRequest) (*models.Site, error) {
	const op = "site.Register"

	if req.ID == "" || req.Username == "" || req.Password == "" {
		return nil, syncerr.Protocol(op, "id, username and password are required")
	}
	if req.ID == s.centralSiteID || req.ID == models.CentralScope {
		return nil, syncerr.Protocol(op, "site id %q is reserved", req.ID)
	}

	existing, err := s.sites.Get(ctx, req.ID)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if existing != nil {
		return nil, syncerr.Protocol(op, "site %s already exists", req.ID)
	}
	taken, err := s.sites.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if taken != nil {
		return nil, syncerr.Protocol(op, "username %s is taken", req.Username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, syncerr.Protocol(op, "unusable password: %v", err)
	}

	site := &models.Site{
		ID:           req.ID,
		Username:     req.Username,
		PasswordHash: string(hash),
	}
	if err := s.sites.Create(ctx, site); err != nil {
		return nil, syncerr.Storage(op, err)
	}

	s.log.WithSiteID(site.ID).Info("registered site", "username", site.Username)
	return site, nil
}

// List returns every registered site
func (s *SiteService) List(ctx context.Context) ([]*models.Site, error) {
	sites, err := s.sites.List(ctx)
	if err != nil {
		return nil, syncerr.Storage("site.List", err)
	}
	return sites, nil
}

// Authenticate checks a site's credentials. The first hardware id presented
// is bound to the site; later requests must present the same one.
func (s *SiteService) Authenticate(ctx context.Context, username, password, hardwareID string) (*models.Site, error) {
	const op = "site.Authenticate"

	site, err := s.sites.GetByUsername(ctx, username)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	if site == nil {
		return nil, syncerr.Forbidden(op, "unknown site credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(site.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, syncerr.Forbidden(op, "unknown site credentials")
		}
		return nil, syncerr.Storage(op, err)
	}

	if site.HardwareID == nil && hardwareID != "" {
		bound, err := s.sites.BindHardware(ctx, site.ID, hardwareID)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		if bound {
			s.log.WithSiteID(site.ID).Info("bound site to hardware", "hardware_id", hardwareID)
			site.HardwareID = &hardwareID
			return site, nil
		}

		// bound concurrently; compare against the winner
		site, err = s.sites.Get(ctx, site.ID)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		if site == nil {
			return nil, syncerr.Forbidden(op, "unknown site credentials")
		}
	}

	if site.HardwareID != nil && *site.HardwareID != hardwareID {
		s.log.WithSiteID(site.ID).Warn("hardware id mismatch", "presented", hardwareID)
		return nil, syncerr.Forbidden(op, "site %s is bound to different hardware", site.ID)
	}

	return site, nil
}
