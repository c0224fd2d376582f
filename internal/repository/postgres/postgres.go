package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.SiteRepository    = (*Repository)(nil)
	_ repository.VersionRepository = (*Repository)(nil)
	_ repository.JobRepository     = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, emptyToNil(user.Email), user.PasswordHash, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// GetUserByUsername fetches a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, COALESCE(email, ''), password_hash, role, created_at FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, COALESCE(email, ''), password_hash, role, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

const siteColumns = `id, slug, COALESCE(display_name, ''), COALESCE(domain, ''), visibility,
	COALESCE(owner_id, ''), status, current_version, COALESCE(error_reason, ''), created_at, updated_at`

// CreateSite inserts a site row. Duplicate slugs or domains surface as
// domain.ErrConflict via unique constraints.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	const query = `INSERT INTO sites (id, slug, display_name, domain, visibility, owner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, site.ID, site.Slug, emptyToNil(site.DisplayName), emptyToNil(site.Domain),
		site.Visibility, emptyToNil(site.OwnerID), string(site.Status), site.CreatedAt, site.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// GetSiteBySlug fetches one site snapshot.
func (r *Repository) GetSiteBySlug(ctx context.Context, slug string) (*domain.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE slug = $1`
	return r.scanSite(r.pool.QueryRow(ctx, query, slug))
}

// ListSites returns all site snapshots ordered by slug.
func (r *Repository) ListSites(ctx context.Context) ([]domain.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites ORDER BY slug`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []domain.Site
	for rows.Next() {
		site, err := r.scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

func (r *Repository) scanSite(row pgx.Row) (*domain.Site, error) {
	var (
		s      domain.Site
		status string
	)
	if err := row.Scan(&s.ID, &s.Slug, &s.DisplayName, &s.Domain, &s.Visibility, &s.OwnerID,
		&status, &s.CurrentVersion, &s.ErrorReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.Status = domain.SiteStatus(status)
	return &s, nil
}

// UpdateSiteMeta updates mutable site metadata. The slug is immutable and
// deployment status is owned by UpdateSiteStatus.
func (r *Repository) UpdateSiteMeta(ctx context.Context, site *domain.Site) error {
	const query = `UPDATE sites SET display_name = $2, domain = $3, visibility = $4, updated_at = $5
		WHERE slug = $1`
	tag, err := r.pool.Exec(ctx, query, site.Slug, emptyToNil(site.DisplayName), emptyToNil(site.Domain),
		site.Visibility, time.Now().UTC())
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSite removes a site row along with its versions and jobs.
func (r *Repository) DeleteSite(ctx context.Context, slug string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sites WHERE slug = $1`, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClaimSiteForDeploy compare-and-sets an idle site into deploying. The single
// UPDATE is the cross-process guard behind the one-active-job-per-site rule.
func (r *Repository) ClaimSiteForDeploy(ctx context.Context, slug string) (*domain.Site, error) {
	query := `UPDATE sites SET status = $2, error_reason = NULL, updated_at = $3
		WHERE slug = $1 AND status IN ($4, $5, $6)
		RETURNING ` + siteColumns
	row := r.pool.QueryRow(ctx, query, slug, string(domain.SiteStatusDeploying), time.Now().UTC(),
		string(domain.SiteStatusPending), string(domain.SiteStatusDeployed), string(domain.SiteStatusFailed))
	site, err := r.scanSite(row)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// No idle row matched: either the slug is unknown or a job is active.
	if _, getErr := r.GetSiteBySlug(ctx, slug); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

// UpdateSiteStatus compare-and-sets the site status along one state-machine
// edge, optionally advancing current_version and recording a failure reason.
func (r *Repository) UpdateSiteStatus(ctx context.Context, slug string, from, to domain.SiteStatus, currentVersion *int64, errorReason string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	const query = `UPDATE sites SET status = $3, current_version = COALESCE($4, current_version),
		error_reason = $5, updated_at = $6
		WHERE slug = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, slug, string(from), string(to), currentVersion,
		emptyToNil(errorReason), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetSiteBySlug(ctx, slug); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	return nil
}

// NextVersionNumber allocates the next monotonic version number for a site.
// Callers serialize per slug, so MAX+1 cannot race with itself.
func (r *Repository) NextVersionNumber(ctx context.Context, slug string) (int64, error) {
	const query = `SELECT COALESCE(MAX(version_number), 0) + 1 FROM content_versions WHERE site_slug = $1`
	var next int64
	if err := r.pool.QueryRow(ctx, query, slug).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// CreateVersion records a fully written content version.
func (r *Repository) CreateVersion(ctx context.Context, version *domain.ContentVersion) error {
	const query = `INSERT INTO content_versions (site_slug, version_number, content_root, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, version.SiteSlug, version.VersionNumber, version.ContentRoot,
		version.Checksum, version.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// GetVersion fetches one content version.
func (r *Repository) GetVersion(ctx context.Context, slug string, number int64) (*domain.ContentVersion, error) {
	const query = `SELECT site_slug, version_number, content_root, checksum, created_at
		FROM content_versions WHERE site_slug = $1 AND version_number = $2`
	row := r.pool.QueryRow(ctx, query, slug, number)
	var v domain.ContentVersion
	if err := row.Scan(&v.SiteSlug, &v.VersionNumber, &v.ContentRoot, &v.Checksum, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVersions returns a site's versions, newest first.
func (r *Repository) ListVersions(ctx context.Context, slug string) ([]domain.ContentVersion, error) {
	const query = `SELECT site_slug, version_number, content_root, checksum, created_at
		FROM content_versions WHERE site_slug = $1 ORDER BY version_number DESC`
	rows, err := r.pool.Query(ctx, query, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.ContentVersion
	for rows.Next() {
		var v domain.ContentVersion
		if err := rows.Scan(&v.SiteSlug, &v.VersionNumber, &v.ContentRoot, &v.Checksum, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// DeleteVersion removes a superseded version record.
func (r *Repository) DeleteVersion(ctx context.Context, slug string, number int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM content_versions WHERE site_slug = $1 AND version_number = $2`, slug, number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateJob inserts a deployment job record.
func (r *Repository) CreateJob(ctx context.Context, job *domain.DeploymentJob) error {
	const query = `INSERT INTO deployment_jobs (id, site_slug, archive_checksum, status, error_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, job.ID, job.SiteSlug, emptyToNil(job.ArchiveChecksum),
		string(job.Status), emptyToNil(job.ErrorReason), job.StartedAt, job.FinishedAt)
	return err
}

// UpdateJobStatus advances a job through its pipeline, stamping finished_at
// once the status is terminal.
func (r *Repository) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errorReason string) error {
	var finishedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}
	const query = `UPDATE deployment_jobs SET status = $2, error_reason = $3, finished_at = COALESCE($4, finished_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(status), emptyToNil(errorReason), finishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateJobChecksum records the archive checksum once validation computed it.
func (r *Repository) UpdateJobChecksum(ctx context.Context, id string, checksum string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deployment_jobs SET archive_checksum = $2 WHERE id = $1`, id, checksum)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetJobByID fetches one deployment job.
func (r *Repository) GetJobByID(ctx context.Context, id string) (*domain.DeploymentJob, error) {
	const query = `SELECT id, site_slug, COALESCE(archive_checksum, ''), status, COALESCE(error_reason, ''), started_at, finished_at
		FROM deployment_jobs WHERE id = $1`
	return r.scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListJobsBySite returns a site's deployment history, newest first.
func (r *Repository) ListJobsBySite(ctx context.Context, slug string, limit int) ([]domain.DeploymentJob, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, site_slug, COALESCE(archive_checksum, ''), status, COALESCE(error_reason, ''), started_at, finished_at
		FROM deployment_jobs WHERE site_slug = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, slug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.DeploymentJob
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *Repository) scanJob(row pgx.Row) (*domain.DeploymentJob, error) {
	var (
		j      domain.DeploymentJob
		status string
	)
	if err := row.Scan(&j.ID, &j.SiteSlug, &j.ArchiveChecksum, &status, &j.ErrorReason, &j.StartedAt, &j.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
