package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/lilking2007/pi-platform/internal/domain"
)

// Limits bound what an uploaded archive may contain. Aggregate limits defend
// against decompression bombs and inode exhaustion.
type Limits struct {
	MaxArchiveBytes      int64
	MaxUncompressedBytes int64
	MaxEntryCount        int
}

// Archive is a validated, still-compressed upload ready for extraction.
type Archive struct {
	Path     string
	Size     int64
	Checksum string
}

// Validator inspects uploaded zip archives before anything is extracted.
type Validator struct {
	limits Limits
}

// NewValidator constructs a Validator with the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate checks a spooled upload against size, format, and path-safety
// rules. It returns a handle to the still-compressed archive, or an error
// wrapping domain.ErrUnsafeArchive; it never extracts any entry.
func (v *Validator) Validate(archivePath string, declaredSize int64) (*Archive, error) {
	if v.limits.MaxArchiveBytes > 0 && declaredSize > v.limits.MaxArchiveBytes {
		return nil, fmt.Errorf("declared size %d exceeds limit %d: %w", declaredSize, v.limits.MaxArchiveBytes, domain.ErrUnsafeArchive)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if v.limits.MaxArchiveBytes > 0 && info.Size() > v.limits.MaxArchiveBytes {
		return nil, fmt.Errorf("archive size %d exceeds limit %d: %w", info.Size(), v.limits.MaxArchiveBytes, domain.ErrUnsafeArchive)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("not a valid zip archive: %w", domain.ErrUnsafeArchive)
	}
	defer reader.Close()

	entries := 0
	var uncompressed uint64
	for _, file := range reader.File {
		entries++
		if v.limits.MaxEntryCount > 0 && entries > v.limits.MaxEntryCount {
			return nil, fmt.Errorf("entry count exceeds limit %d: %w", v.limits.MaxEntryCount, domain.ErrUnsafeArchive)
		}
		if err := CheckEntryName(file.Name); err != nil {
			return nil, err
		}
		uncompressed += file.UncompressedSize64
		if v.limits.MaxUncompressedBytes > 0 && uncompressed > uint64(v.limits.MaxUncompressedBytes) {
			return nil, fmt.Errorf("uncompressed size exceeds limit %d: %w", v.limits.MaxUncompressedBytes, domain.ErrUnsafeArchive)
		}
	}

	checksum, err := fileChecksum(archivePath)
	if err != nil {
		return nil, fmt.Errorf("checksum archive: %w", err)
	}
	return &Archive{Path: archivePath, Size: info.Size(), Checksum: checksum}, nil
}

// CheckEntryName rejects entry paths that would resolve outside the
// extraction root: absolute paths, parent-directory escapes, and empty or
// device-style names. One bad entry fails the whole archive.
func CheckEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name: %w", domain.ErrUnsafeArchive)
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("entry %q uses backslash separators: %w", name, domain.ErrUnsafeArchive)
	}
	if path.IsAbs(name) {
		return fmt.Errorf("entry %q is absolute: %w", name, domain.ErrUnsafeArchive)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("entry %q escapes archive root: %w", name, domain.ErrUnsafeArchive)
	}
	return nil
}

func fileChecksum(archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
