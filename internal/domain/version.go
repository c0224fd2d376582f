package domain

import "time"

// ContentVersion is one immutable, fully-unpacked snapshot of a site's
// uploaded content. Version numbers increase monotonically per site. A
// site's CurrentVersion is a non-owning reference into this set; the
// content store never deletes a version still referenced as current.
type ContentVersion struct {
	SiteSlug      string
	VersionNumber int64
	ContentRoot   string
	Checksum      string
	CreatedAt     time.Time
}
