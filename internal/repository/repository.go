package repository

import (
	"context"

	"github.com/lilking2007/pi-platform/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// SiteRepository is the authoritative record of site metadata and status.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteBySlug(ctx context.Context, slug string) (*domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	UpdateSiteMeta(ctx context.Context, site *domain.Site) error
	DeleteSite(ctx context.Context, slug string) error

	// ClaimSiteForDeploy atomically moves a site from any idle state
	// (pending, deployed, failed) into deploying. It returns
	// domain.ErrConflict when a deployment is already active and
	// ErrNotFound for an unknown slug.
	ClaimSiteForDeploy(ctx context.Context, slug string) (*domain.Site, error)

	// UpdateSiteStatus compare-and-sets the site status from one expected
	// state to another, optionally advancing current_version and recording
	// an error reason. A mismatch yields domain.ErrInvalidTransition.
	UpdateSiteStatus(ctx context.Context, slug string, from, to domain.SiteStatus, currentVersion *int64, errorReason string) error
}

// VersionRepository records content versions written by the store.
type VersionRepository interface {
	NextVersionNumber(ctx context.Context, slug string) (int64, error)
	CreateVersion(ctx context.Context, version *domain.ContentVersion) error
	GetVersion(ctx context.Context, slug string, number int64) (*domain.ContentVersion, error)
	ListVersions(ctx context.Context, slug string) ([]domain.ContentVersion, error)
	DeleteVersion(ctx context.Context, slug string, number int64) error
}

// JobRepository retains deployment jobs for auditing.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.DeploymentJob) error
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errorReason string) error
	UpdateJobChecksum(ctx context.Context, id string, checksum string) error
	GetJobByID(ctx context.Context, id string) (*domain.DeploymentJob, error)
	ListJobsBySite(ctx context.Context, slug string, limit int) ([]domain.DeploymentJob, error)
}
