package httpx

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lilking2007/pi-platform/internal/archive"
	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
	"github.com/lilking2007/pi-platform/internal/service/auth"
	"github.com/lilking2007/pi-platform/internal/service/deployment"
	"github.com/lilking2007/pi-platform/internal/service/site"
	"github.com/lilking2007/pi-platform/internal/store"
	"github.com/lilking2007/pi-platform/internal/ws"
	"github.com/lilking2007/pi-platform/pkg/config"
)

// memRepo is an in-memory implementation of every repository interface, good
// enough to drive the router end to end.
type memRepo struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	sites    map[string]*domain.Site
	versions map[string][]domain.ContentVersion
	jobs     map[string]*domain.DeploymentJob
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[string]*domain.User),
		sites:    make(map[string]*domain.Site),
		versions: make(map[string][]domain.ContentVersion),
		jobs:     make(map[string]*domain.DeploymentJob),
	}
}

func (m *memRepo) CreateUser(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == user.Username {
			return domain.ErrConflict
		}
	}
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *memRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *memRepo) CreateSite(ctx context.Context, s *domain.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sites[s.Slug]; exists {
		return domain.ErrConflict
	}
	copied := *s
	m.sites[s.Slug] = &copied
	return nil
}

func (m *memRepo) GetSiteBySlug(ctx context.Context, slug string) (*domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memRepo) ListSites(ctx context.Context) ([]domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listed := make([]domain.Site, 0, len(m.sites))
	for _, s := range m.sites {
		listed = append(listed, *s)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Slug < listed[j].Slug })
	return listed, nil
}

func (m *memRepo) UpdateSiteMeta(ctx context.Context, s *domain.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[s.Slug]; !ok {
		return repository.ErrNotFound
	}
	copied := *s
	m.sites[s.Slug] = &copied
	return nil
}

func (m *memRepo) DeleteSite(ctx context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[slug]; !ok {
		return repository.ErrNotFound
	}
	delete(m.sites, slug)
	return nil
}

func (m *memRepo) ClaimSiteForDeploy(ctx context.Context, slug string) (*domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if s.Status == domain.SiteStatusDeploying {
		return nil, domain.ErrConflict
	}
	s.Status = domain.SiteStatusDeploying
	copied := *s
	return &copied, nil
}

func (m *memRepo) UpdateSiteStatus(ctx context.Context, slug string, from, to domain.SiteStatus, currentVersion *int64, errorReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[slug]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != from || !from.CanTransition(to) {
		return domain.ErrInvalidTransition
	}
	s.Status = to
	s.ErrorReason = errorReason
	if currentVersion != nil {
		s.CurrentVersion = currentVersion
	}
	return nil
}

func (m *memRepo) NextVersionNumber(ctx context.Context, slug string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, v := range m.versions[slug] {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max + 1, nil
}

func (m *memRepo) CreateVersion(ctx context.Context, version *domain.ContentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[version.SiteSlug] = append(m.versions[version.SiteSlug], *version)
	return nil
}

func (m *memRepo) GetVersion(ctx context.Context, slug string, number int64) (*domain.ContentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[slug] {
		if v.VersionNumber == number {
			copied := v
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) ListVersions(ctx context.Context, slug string) ([]domain.ContentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listed := append([]domain.ContentVersion(nil), m.versions[slug]...)
	sort.Slice(listed, func(i, j int) bool { return listed[i].VersionNumber > listed[j].VersionNumber })
	return listed, nil
}

func (m *memRepo) DeleteVersion(ctx context.Context, slug string, number int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.versions[slug][:0]
	for _, v := range m.versions[slug] {
		if v.VersionNumber != number {
			kept = append(kept, v)
		}
	}
	m.versions[slug] = kept
	return nil
}

func (m *memRepo) CreateJob(ctx context.Context, job *domain.DeploymentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memRepo) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errorReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	job.ErrorReason = errorReason
	if status.Terminal() {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	return nil
}

func (m *memRepo) UpdateJobChecksum(ctx context.Context, id string, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.ArchiveChecksum = checksum
	}
	return nil
}

func (m *memRepo) GetJobByID(ctx context.Context, id string) (*domain.DeploymentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memRepo) ListJobsBySite(ctx context.Context, slug string, limit int) ([]domain.DeploymentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var listed []domain.DeploymentJob
	for _, job := range m.jobs {
		if job.SiteSlug == slug {
			listed = append(listed, *job)
		}
	}
	return listed, nil
}

type routerFixture struct {
	router *Router
	repo   *memRepo
	deploy *deployment.Service
	auth   auth.Service
}

func setupRouter(t *testing.T) *routerFixture {
	t.Helper()
	repo := newMemRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.AdminConfig{
		JWTSecret:            "router-test-secret",
		AccessTokenTTL:       time.Hour,
		SitesRoot:            t.TempDir(),
		UploadSpoolDir:       t.TempDir(),
		MaxArchiveBytes:      1 << 20,
		MaxUncompressedBytes: 4 << 20,
		MaxEntryCount:        100,
		KeepVersions:         5,
		DeployWorkers:        2,
		DeployTimeout:        5 * time.Second,
		DomainSuffix:         ".lan",
	}

	hub := ws.NewHub()
	contentStore := store.New(cfg.SitesRoot, repo, logger)
	validator := archive.NewValidator(archive.Limits{
		MaxArchiveBytes:      cfg.MaxArchiveBytes,
		MaxUncompressedBytes: cfg.MaxUncompressedBytes,
		MaxEntryCount:        cfg.MaxEntryCount,
	})

	authSvc := auth.New(repo, logger, cfg)
	siteSvc := site.New(repo, contentStore, nil, logger)
	deploySvc := deployment.New(repo, repo, validator, contentStore, nil, hub, logger, cfg)

	router := NewRouter(logger, authSvc, siteSvc, deploySvc, hub, NewMemoryRateLimiter(), cfg, nil)
	t.Cleanup(router.Close)
	return &routerFixture{router: router, repo: repo, deploy: deploySvc, auth: authSvc}
}

func (f *routerFixture) signupAndLogin(t *testing.T, username string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.auth.Signup(ctx, username, username+"@example.com", "pw-"+username); err != nil {
		t.Fatalf("signup %s: %v", username, err)
	}
	_, token, err := f.auth.Login(ctx, username, "pw-"+username)
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return token.AccessToken
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) createSite(t *testing.T, token, slug string) {
	t.Helper()
	body := strings.NewReader(`{"slug":"` + slug + `"}`)
	rec := f.do(t, http.MethodPost, "/sites", token, body, "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create site %s: status %d body %s", slug, rec.Code, rec.Body.String())
	}
}

func multipartZip(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var archiveBuf bytes.Buffer
	zw := zip.NewWriter(&archiveBuf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %q: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "site.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(archiveBuf.Bytes()); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	f := setupRouter(t)
	for _, path := range []string{"/sites", "/sites/blog", "/users/me", "/sites/blog/deployments"} {
		rec := f.do(t, http.MethodGet, path, "", nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, rec.Code)
		}
	}
}

func TestTokenEndpointIssuesBearer(t *testing.T) {
	f := setupRouter(t)
	if _, err := f.auth.Signup(context.Background(), "alice", "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("signup: %v", err)
	}

	form := strings.NewReader("username=alice&password=hunter22")
	rec := f.do(t, http.MethodPost, "/token", "", form, "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Fatalf("token status %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode token payload: %v", err)
	}
	if payload.AccessToken == "" || payload.TokenType != "bearer" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	bad := strings.NewReader("username=alice&password=wrong")
	rec = f.do(t, http.MethodPost, "/token", "", bad, "application/x-www-form-urlencoded")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status %d, want 401", rec.Code)
	}
}

func TestCreateAndFetchSite(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")
	f.createSite(t, token, "my-blog")

	rec := f.do(t, http.MethodGet, "/sites/my-blog", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get site status %d body %s", rec.Code, rec.Body.String())
	}
	var view siteView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode site view: %v", err)
	}
	if view.Slug != "my-blog" || view.Status != string(domain.SiteStatusPending) {
		t.Fatalf("unexpected site view %+v", view)
	}
	if view.CurrentVersion != nil {
		t.Fatalf("new site should have no current version, got %v", *view.CurrentVersion)
	}
}

func TestCreateSiteRejectsInvalidSlug(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")

	body := strings.NewReader(`{"slug":"Invalid Slug!"}`)
	rec := f.do(t, http.MethodPost, "/sites", token, body, "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestCreateDuplicateSiteConflicts(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")
	f.createSite(t, token, "my-blog")

	body := strings.NewReader(`{"slug":"my-blog"}`)
	rec := f.do(t, http.MethodPost, "/sites", token, body, "application/json")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestUploadDeploysSite(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")
	f.createSite(t, token, "my-blog")

	body, contentType := multipartZip(t, map[string]string{"index.html": "<h1>hello</h1>"})
	rec := f.do(t, http.MethodPost, "/sites/my-blog/upload", token, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status %d body %s", rec.Code, rec.Body.String())
	}
	var job jobView
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode job view: %v", err)
	}
	if job.SiteSlug != "my-blog" || job.Status != string(domain.JobStatusPending) {
		t.Fatalf("unexpected job view %+v", job)
	}

	f.deploy.Wait()

	rec = f.do(t, http.MethodGet, "/sites/my-blog", token, nil, "")
	var view siteView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode site view: %v", err)
	}
	if view.Status != string(domain.SiteStatusDeployed) {
		t.Fatalf("site status = %s (%s), want deployed", view.Status, view.ErrorReason)
	}
	if view.CurrentVersion == nil || *view.CurrentVersion != 1 {
		t.Fatalf("current version = %v, want 1", view.CurrentVersion)
	}

	rec = f.do(t, http.MethodGet, "/sites/my-blog/deployments", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deployments status %d", rec.Code)
	}
	var jobs []jobView
	if err := json.NewDecoder(rec.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != string(domain.JobStatusDeployed) {
		t.Fatalf("unexpected deployment history %+v", jobs)
	}
}

func TestUploadRejectsTraversalArchive(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")
	f.createSite(t, token, "my-blog")

	body, contentType := multipartZip(t, map[string]string{"../../etc/passwd": "root:x:0:0"})
	rec := f.do(t, http.MethodPost, "/sites/my-blog/upload", token, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status %d body %s", rec.Code, rec.Body.String())
	}
	f.deploy.Wait()

	rec = f.do(t, http.MethodGet, "/sites/my-blog", token, nil, "")
	var view siteView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode site view: %v", err)
	}
	if view.Status != string(domain.SiteStatusFailed) {
		t.Fatalf("site status = %s, want failed", view.Status)
	}
	if view.ErrorReason == "" {
		t.Fatal("failed site should carry an error reason")
	}
}

func TestUploadByNonOwnerForbidden(t *testing.T) {
	f := setupRouter(t)
	owner := f.signupAndLogin(t, "alice")
	other := f.signupAndLogin(t, "mallory")
	f.createSite(t, owner, "my-blog")

	body, contentType := multipartZip(t, map[string]string{"index.html": "hi"})
	rec := f.do(t, http.MethodPost, "/sites/my-blog/upload", other, body, contentType)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestUploadUnknownSite(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")

	body, contentType := multipartZip(t, map[string]string{"index.html": "hi"})
	rec := f.do(t, http.MethodPost, "/sites/ghost/upload", token, body, contentType)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestUsersMeReturnsAccount(t *testing.T) {
	f := setupRouter(t)
	token := f.signupAndLogin(t, "alice")

	rec := f.do(t, http.MethodGet, "/users/me", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["username"] != "alice" || payload["role"] != domain.RoleUser {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestHealthzWithoutDatabaseCheck(t *testing.T) {
	f := setupRouter(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
