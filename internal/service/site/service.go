package site

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{1,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// ContentCleaner removes a deleted site's on-disk content.
type ContentCleaner interface {
	RemoveSite(slug string) error
}

// VhostRemover drops a deleted site's vhost from the routing layer.
type VhostRemover interface {
	Remove(ctx context.Context, slug string) error
}

// Service is the site registry: the single source of truth for site
// metadata and deployment status snapshots.
type Service struct {
	sites   repository.SiteRepository
	cleaner ContentCleaner
	vhosts  VhostRemover
	logger  *slog.Logger
}

// New constructs a Service. cleaner and vhosts may be nil.
func New(sites repository.SiteRepository, cleaner ContentCleaner, vhosts VhostRemover, logger *slog.Logger) Service {
	return Service{sites: sites, cleaner: cleaner, vhosts: vhosts, logger: logger}
}

// CreateInput carries validated fields for site registration.
type CreateInput struct {
	Slug        string `json:"slug" validate:"required,slug"`
	DisplayName string `json:"display_name" validate:"omitempty,max=120"`
	Domain      string `json:"domain" validate:"omitempty,fqdn"`
	Visibility  string `json:"visibility" validate:"omitempty,oneof=public private"`
}

// UpdateInput carries mutable site metadata; nil fields are left unchanged.
// The slug is immutable.
type UpdateInput struct {
	DisplayName *string `json:"display_name" validate:"omitempty,max=120"`
	Domain      *string `json:"domain" validate:"omitempty,fqdn|eq="`
	Visibility  *string `json:"visibility" validate:"omitempty,oneof=public private"`
}

// Create registers a new site in pending state with no current version.
// Duplicate slugs or domains yield domain.ErrConflict.
func (s Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.Site, error) {
	if err := validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if input.Visibility == "" {
		input.Visibility = domain.VisibilityPublic
	}
	now := time.Now().UTC()
	site := &domain.Site{
		ID:          uuid.NewString(),
		Slug:        input.Slug,
		DisplayName: input.DisplayName,
		Domain:      input.Domain,
		Visibility:  input.Visibility,
		OwnerID:     ownerID,
		Status:      domain.SiteStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sites.CreateSite(ctx, site); err != nil {
		return nil, err
	}
	s.logger.Info("site created", "slug", site.Slug, "owner_id", ownerID)
	return site, nil
}

// Get returns a read-only snapshot of one site.
func (s Service) Get(ctx context.Context, slug string) (*domain.Site, error) {
	site, err := s.sites.GetSiteBySlug(ctx, slug)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return site, nil
}

// List returns read-only snapshots of all sites.
func (s Service) List(ctx context.Context) ([]domain.Site, error) {
	return s.sites.ListSites(ctx)
}

// Update changes mutable metadata on a site owned by the user.
func (s Service) Update(ctx context.Context, user *domain.User, slug string, input UpdateInput) (*domain.Site, error) {
	if err := validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	site, err := s.sites.GetSiteBySlug(ctx, slug)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !user.CanManage(*site) {
		return nil, domain.ErrSiteNotFound
	}
	if input.DisplayName != nil {
		site.DisplayName = *input.DisplayName
	}
	if input.Domain != nil {
		site.Domain = *input.Domain
	}
	if input.Visibility != nil {
		site.Visibility = *input.Visibility
	}
	if err := s.sites.UpdateSiteMeta(ctx, site); err != nil {
		return nil, mapNotFound(err)
	}
	s.logger.Info("site updated", "slug", slug)
	return site, nil
}

// Delete removes a site's registry record and cleans up its content and
// vhost best-effort.
func (s Service) Delete(ctx context.Context, user *domain.User, slug string) error {
	site, err := s.sites.GetSiteBySlug(ctx, slug)
	if err != nil {
		return mapNotFound(err)
	}
	if !user.CanManage(*site) {
		return domain.ErrSiteNotFound
	}
	if err := s.sites.DeleteSite(ctx, slug); err != nil {
		return mapNotFound(err)
	}
	if s.cleaner != nil {
		if err := s.cleaner.RemoveSite(slug); err != nil {
			s.logger.Warn("site content cleanup failed", "slug", slug, "error", err)
		}
	}
	if s.vhosts != nil {
		if err := s.vhosts.Remove(ctx, slug); err != nil {
			s.logger.Warn("vhost removal failed", "slug", slug, "error", err)
		}
	}
	s.logger.Info("site deleted", "slug", slug)
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ErrSiteNotFound
	}
	return err
}
