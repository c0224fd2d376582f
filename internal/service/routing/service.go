package routing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"log/slog"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/pkg/config"
)

// vhostTemplate is the nginx server block generated per site. The root
// points at the store's current symlink, so a publish swap takes effect
// without touching the config.
const vhostTemplate = `server {
    listen 80;
    server_name {{ .ServerName }};

    root {{ .Root }};
    index index.html index.htm;

    add_header X-Frame-Options "SAMEORIGIN";
    add_header X-Content-Type-Options "nosniff";
    add_header Referrer-Policy "no-referrer-when-downgrade";

    location / {
        try_files $uri $uri/ =404;
    }
}
`

// Reloader signals the serving layer to pick up config changes.
type Reloader interface {
	Reload(ctx context.Context) error
	Close() error
}

// ContentLocator resolves a site's live content path.
type ContentLocator interface {
	CurrentPath(slug string) string
}

// Service writes per-site nginx vhost configs and triggers reloads. It is
// best-effort infrastructure: failures here never change deployment status.
type Service struct {
	cfg      config.AdminConfig
	locator  ContentLocator
	reloader Reloader
	tmpl     *template.Template
	logger   *slog.Logger
}

// New constructs the routing service. When no nginx container is configured
// the reloader is nil and Apply only writes config files.
func New(cfg config.AdminConfig, locator ContentLocator, logger *slog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		locator: locator,
		tmpl:    template.Must(template.New("vhost").Parse(vhostTemplate)),
		logger:  logger,
	}
	if cfg.NginxContainerName != "" {
		reloader, err := newDockerReloader(cfg.NginxContainerName)
		if err != nil {
			logger.Warn("nginx reloader unavailable", "container", cfg.NginxContainerName, "error", err)
		} else {
			s.reloader = reloader
		}
	}
	return s
}

// Apply renders and installs the vhost for a site, then reloads nginx.
func (s *Service) Apply(ctx context.Context, site domain.Site) error {
	var buf bytes.Buffer
	err := s.tmpl.Execute(&buf, struct {
		ServerName string
		Root       string
	}{
		ServerName: site.Hostname(s.cfg.DomainSuffix),
		Root:       s.locator.CurrentPath(site.Slug),
	})
	if err != nil {
		return fmt.Errorf("render vhost for %s: %w", site.Slug, err)
	}

	target := s.confPath(site.Slug)
	staging := target + ".tmp"
	if err := os.WriteFile(staging, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write vhost for %s: %w", site.Slug, err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("install vhost for %s: %w", site.Slug, err)
	}
	s.logger.Info("vhost installed", "slug", site.Slug, "server_name", site.Hostname(s.cfg.DomainSuffix))
	return s.reload(ctx)
}

// Remove deletes a site's vhost and reloads nginx.
func (s *Service) Remove(ctx context.Context, slug string) error {
	if err := os.Remove(s.confPath(slug)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove vhost for %s: %w", slug, err)
	}
	return s.reload(ctx)
}

// Close releases the reloader's resources.
func (s *Service) Close() {
	if s.reloader != nil {
		if err := s.reloader.Close(); err != nil {
			s.logger.Warn("reloader close failed", "error", err)
		}
	}
}

func (s *Service) reload(ctx context.Context) error {
	if s.reloader == nil {
		return nil
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	s.logger.Info("nginx reloaded")
	return nil
}

func (s *Service) confPath(slug string) string {
	return filepath.Join(s.cfg.NginxConfigPath, slug+".conf")
}
