package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lilking2007/pi-platform/internal/archive"
	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
	"github.com/lilking2007/pi-platform/internal/ws"
	"github.com/lilking2007/pi-platform/pkg/config"
)

// ContentStore is the slice of the store the executor drives.
type ContentStore interface {
	WriteVersion(ctx context.Context, slug string, a *archive.Archive) (*domain.ContentVersion, error)
	Publish(ctx context.Context, slug string, version *domain.ContentVersion) error
	Prune(ctx context.Context, slug string, keepN int) error
}

// ArchiveValidator inspects an upload before extraction.
type ArchiveValidator interface {
	Validate(archivePath string, declaredSize int64) (*archive.Archive, error)
}

// VhostApplier refreshes the routing layer after a successful publish.
type VhostApplier interface {
	Apply(ctx context.Context, site domain.Site) error
}

// settleTimeout bounds terminal job and site updates, which run detached
// from the pipeline deadline.
const settleTimeout = 10 * time.Second

// Service orchestrates deployment jobs end to end. It is the only writer of
// site status transitions. Per-site work is serialized; work for distinct
// sites runs in parallel on a bounded pool so one slow extraction never
// starves uploads for unrelated sites.
type Service struct {
	sites     repository.SiteRepository
	jobs      repository.JobRepository
	validator ArchiveValidator
	store     ContentStore
	routing   VhostApplier
	hub       *ws.Hub
	logger    *slog.Logger
	cfg       config.AdminConfig

	workers *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New returns a deployment executor. routing and hub may be nil.
func New(sites repository.SiteRepository, jobs repository.JobRepository, validator ArchiveValidator, store ContentStore, routing VhostApplier, hub *ws.Hub, logger *slog.Logger, cfg config.AdminConfig) *Service {
	workerCount := cfg.DeployWorkers
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Service{
		sites:     sites,
		jobs:      jobs,
		validator: validator,
		store:     store,
		routing:   routing,
		hub:       hub,
		logger:    logger,
		cfg:       cfg,
		workers:   semaphore.NewWeighted(int64(workerCount)),
		active:    make(map[string]struct{}),
	}
}

// Submit accepts a spooled upload for a site and starts the deployment job
// asynchronously. It fails fast with domain.ErrSiteNotFound for an unknown
// slug and domain.ErrConflict when a job for the slug is already active; a
// competing upload is rejected, never queued. On acceptance the returned job
// is in pending state and the site has moved to deploying.
func (s *Service) Submit(ctx context.Context, slug, archivePath string, declaredSize int64) (*domain.DeploymentJob, error) {
	if !s.acquireSlug(slug) {
		return nil, domain.ErrConflict
	}

	site, err := s.sites.ClaimSiteForDeploy(ctx, slug)
	if err != nil {
		s.releaseSlug(slug)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrSiteNotFound
		}
		return nil, err
	}

	job := &domain.DeploymentJob{
		ID:        uuid.NewString(),
		SiteSlug:  slug,
		Status:    domain.JobStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		// The site was already claimed; settle it as failed rather than
		// leaving the lock held.
		s.updateSiteStatus(context.WithoutCancel(ctx), slug, domain.SiteStatusDeploying, domain.SiteStatusFailed, nil, "internal error: "+err.Error())
		s.releaseSlug(slug)
		return nil, err
	}

	s.logger.Info("deployment accepted", "slug", slug, "job_id", job.ID)
	s.wg.Add(1)
	go s.run(job, *site, archivePath, declaredSize)
	return job, nil
}

// run executes one accepted job. It uses its own context so that a client
// disconnecting after acceptance cannot abort the deployment mid-flight.
func (s *Service) run(job *domain.DeploymentJob, site domain.Site, archivePath string, declaredSize int64) {
	defer s.wg.Done()
	defer s.releaseSlug(job.SiteSlug)
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("spooled archive cleanup failed", "path", archivePath, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeployTimeout)
	defer cancel()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		s.fail(ctx, job, err)
		return
	}
	defer s.workers.Release(1)

	s.advanceJob(ctx, job, domain.JobStatusValidating)
	validated, err := s.validator.Validate(archivePath, declaredSize)
	if err != nil {
		s.fail(ctx, job, err)
		return
	}
	job.ArchiveChecksum = validated.Checksum
	if err := s.jobs.UpdateJobChecksum(ctx, job.ID, validated.Checksum); err != nil {
		s.logger.Warn("job checksum update failed", "job_id", job.ID, "error", err)
	}

	s.advanceJob(ctx, job, domain.JobStatusUnpacking)
	version, err := s.store.WriteVersion(ctx, job.SiteSlug, validated)
	if err != nil {
		s.fail(ctx, job, err)
		return
	}

	s.advanceJob(ctx, job, domain.JobStatusPublishing)
	if err := s.store.Publish(ctx, job.SiteSlug, version); err != nil {
		s.fail(ctx, job, err)
		return
	}

	// The version is live on disk now; settlement must not depend on the
	// pipeline deadline, or a timeout racing Publish would wedge the site
	// in deploying and reject every future upload for the slug.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	s.updateSiteStatus(settleCtx, job.SiteSlug, domain.SiteStatusDeploying, domain.SiteStatusDeployed, &version.VersionNumber, "")
	s.advanceJob(settleCtx, job, domain.JobStatusDeployed)
	s.logger.Info("deployment succeeded", "slug", job.SiteSlug, "job_id", job.ID, "version", version.VersionNumber)
	s.broadcast(job, &version.VersionNumber)

	if err := s.store.Prune(settleCtx, job.SiteSlug, s.cfg.KeepVersions); err != nil {
		s.logger.Warn("version prune failed", "slug", job.SiteSlug, "error", err)
	}
	if s.routing != nil {
		site.Status = domain.SiteStatusDeployed
		site.CurrentVersion = &version.VersionNumber
		if err := s.routing.Apply(settleCtx, site); err != nil {
			s.logger.Warn("routing refresh failed", "slug", job.SiteSlug, "error", err)
		}
	}
}

// fail settles a job and its site as failed, recording a reason the client
// can distinguish archive rejections from infrastructure errors by.
func (s *Service) fail(ctx context.Context, job *domain.DeploymentJob, cause error) {
	reason := cause.Error()
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "deployment timed out: " + reason
	case errors.Is(cause, domain.ErrUnsafeArchive), errors.Is(cause, domain.ErrStorageFailure):
		// Reason already carries the taxonomy sentinel text.
	}

	// Settlement must survive a cancelled pipeline context.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	job.Status = domain.JobStatusFailed
	job.ErrorReason = reason
	if err := s.jobs.UpdateJobStatus(settleCtx, job.ID, domain.JobStatusFailed, reason); err != nil {
		s.logger.Error("job failure update lost", "job_id", job.ID, "error", err)
	}
	s.updateSiteStatus(settleCtx, job.SiteSlug, domain.SiteStatusDeploying, domain.SiteStatusFailed, nil, reason)
	s.logger.Warn("deployment failed", "slug", job.SiteSlug, "job_id", job.ID, "reason", reason)
	s.broadcast(job, nil)
}

func (s *Service) advanceJob(ctx context.Context, job *domain.DeploymentJob, next domain.JobStatus) {
	if !job.Status.CanTransition(next) {
		s.logger.Error("illegal job transition attempted", "job_id", job.ID, "from", job.Status, "to", next)
		return
	}
	job.Status = next
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, next, ""); err != nil {
		s.logger.Warn("job status update failed", "job_id", job.ID, "status", next, "error", err)
	}
}

func (s *Service) updateSiteStatus(ctx context.Context, slug string, from, to domain.SiteStatus, currentVersion *int64, reason string) {
	if err := s.sites.UpdateSiteStatus(ctx, slug, from, to, currentVersion, reason); err != nil {
		s.logger.Error("site status update failed", "slug", slug, "from", from, "to", to, "error", err)
	}
}

// StatusEvent is the payload broadcast to status subscribers when a job
// reaches a terminal state.
type StatusEvent struct {
	SiteSlug    string           `json:"site_slug"`
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Version     *int64           `json:"version,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

func (s *Service) broadcast(job *domain.DeploymentJob, version *int64) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(StatusEvent{
		SiteSlug:    job.SiteSlug,
		JobID:       job.ID,
		Status:      job.Status,
		Version:     version,
		ErrorReason: job.ErrorReason,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(job.SiteSlug, payload)
}

// ListBySite returns a site's deployment history for auditing.
func (s *Service) ListBySite(ctx context.Context, slug string, limit int) ([]domain.DeploymentJob, error) {
	if _, err := s.sites.GetSiteBySlug(ctx, slug); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrSiteNotFound
		}
		return nil, err
	}
	return s.jobs.ListJobsBySite(ctx, slug, limit)
}

// Wait blocks until all in-flight jobs have settled; used during shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) acquireSlug(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[slug]; busy {
		return false
	}
	s.active[slug] = struct{}{}
	return true
}

func (s *Service) releaseSlug(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, slug)
}
