package store

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lilking2007/pi-platform/internal/archive"
	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
)

// Store keeps unpacked site content on disk, one directory per version:
//
//	<root>/<slug>/versions/<n>/   unpacked content
//	<root>/<slug>/current         symlink to the live version directory
//
// Publishing swaps the current symlink atomically, so readers resolving
// "current" see either the fully-old or fully-new version, never a mix.
type Store struct {
	root     string
	versions repository.VersionRepository
	logger   *slog.Logger
}

// New constructs a Store rooted at dir.
func New(root string, versions repository.VersionRepository, logger *slog.Logger) *Store {
	return &Store{root: root, versions: versions, logger: logger}
}

// VersionDir returns the directory a version's content lives in.
func (s *Store) VersionDir(slug string, number int64) string {
	return filepath.Join(s.root, slug, "versions", strconv.FormatInt(number, 10))
}

// CurrentPath returns the path the routing layer resolves for a site's
// live content.
func (s *Store) CurrentPath(slug string) string {
	return filepath.Join(s.root, slug, "current")
}

// WriteVersion extracts a validated archive into a freshly allocated version
// directory and records the content version once every file is durably
// flushed. The directory is never shared with or reused by another version;
// extraction failures remove the partial directory and leave any published
// version untouched.
func (s *Store) WriteVersion(ctx context.Context, slug string, a *archive.Archive) (*domain.ContentVersion, error) {
	number, err := s.versions.NextVersionNumber(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("allocate version number: %w", err)
	}
	dir := s.VersionDir(slug, number)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("version directory %s already exists: %w", dir, domain.ErrStorageFailure)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create version directory: %w", domain.ErrStorageFailure)
	}

	if err := s.extract(ctx, a.Path, dir); err != nil {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			s.logger.Warn("orphaned version directory left behind", "slug", slug, "dir", dir, "error", removeErr)
		}
		return nil, err
	}

	version := &domain.ContentVersion{
		SiteSlug:      slug,
		VersionNumber: number,
		ContentRoot:   dir,
		Checksum:      a.Checksum,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.versions.CreateVersion(ctx, version); err != nil {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			s.logger.Warn("orphaned version directory left behind", "slug", slug, "dir", dir, "error", removeErr)
		}
		return nil, fmt.Errorf("record version: %w", err)
	}
	s.logger.Info("content version written", "slug", slug, "version", number, "checksum", a.Checksum)
	return version, nil
}

func (s *Store) extract(ctx context.Context, archivePath, dir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("reopen archive: %w", domain.ErrStorageFailure)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Validation already ran; re-check each entry so a store bug can
		// never write outside the version directory.
		if err := archive.CheckEntryName(file.Name); err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(file.Name))
		if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q resolves outside version directory: %w", file.Name, domain.ErrUnsafeArchive)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", file.Name, domain.ErrStorageFailure)
			}
			continue
		}
		if err := s.extractFile(file, target); err != nil {
			return err
		}
	}
	return syncTree(dir)
}

func (s *Store) extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", file.Name, domain.ErrStorageFailure)
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", file.Name, domain.ErrStorageFailure)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create file %s: %w", file.Name, domain.ErrStorageFailure)
	}
	defer dst.Close()

	// Cap the copy at the declared size so an entry lying about its
	// uncompressed size cannot blow past the validated aggregate budget.
	declared := int64(file.UncompressedSize64)
	written, err := io.Copy(dst, io.LimitReader(src, declared+1))
	if err != nil {
		return fmt.Errorf("write file %s: %w", file.Name, domain.ErrStorageFailure)
	}
	if written > declared {
		return fmt.Errorf("entry %q larger than declared size: %w", file.Name, domain.ErrUnsafeArchive)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync file %s: %w", file.Name, domain.ErrStorageFailure)
	}
	return nil
}

// Publish atomically points the site's current symlink at the version
// directory. The swap is a symlink rename, indivisible under concurrent
// readers of the current path.
func (s *Store) Publish(ctx context.Context, slug string, version *domain.ContentVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(version.ContentRoot); err != nil {
		return fmt.Errorf("version %d content missing: %w", version.VersionNumber, domain.ErrStorageFailure)
	}
	current := s.CurrentPath(slug)
	staging := current + ".next"
	_ = os.Remove(staging)
	// Relative target keeps the link valid when the root is bind-mounted
	// at a different path by the serving layer.
	relTarget := filepath.Join("versions", strconv.FormatInt(version.VersionNumber, 10))
	if err := os.Symlink(relTarget, staging); err != nil {
		return fmt.Errorf("stage current symlink: %w", domain.ErrStorageFailure)
	}
	if err := os.Rename(staging, current); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("swap current symlink: %w", domain.ErrStorageFailure)
	}
	if err := syncDir(filepath.Dir(current)); err != nil {
		s.logger.Warn("sync site directory failed after publish", "slug", slug, "error", err)
	}
	s.logger.Info("version published", "slug", slug, "version", version.VersionNumber)
	return nil
}

// Prune removes superseded versions beyond the newest keepN, never the one
// currently published. Failures are reported but deployment status does not
// depend on them.
func (s *Store) Prune(ctx context.Context, slug string, keepN int) error {
	if keepN <= 0 {
		return nil
	}
	versions, err := s.versions.ListVersions(ctx, slug)
	if err != nil {
		return err
	}
	current := s.currentVersionNumber(slug)
	var firstErr error
	for i, v := range versions {
		if i < keepN || v.VersionNumber == current {
			continue
		}
		if err := os.RemoveAll(s.VersionDir(slug, v.VersionNumber)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.versions.DeleteVersion(ctx, slug, v.VersionNumber); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveSite deletes all on-disk content for a site.
func (s *Store) RemoveSite(slug string) error {
	return os.RemoveAll(filepath.Join(s.root, slug))
}

func (s *Store) currentVersionNumber(slug string) int64 {
	target, err := os.Readlink(s.CurrentPath(slug))
	if err != nil {
		return 0
	}
	number, err := strconv.ParseInt(filepath.Base(target), 10, 64)
	if err != nil {
		return 0
	}
	return number
}

func syncTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return syncDir(p)
		}
		return nil
	})
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
