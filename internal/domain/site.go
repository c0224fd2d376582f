package domain

import "time"

// SiteStatus enumerates the lifecycle states of a site.
type SiteStatus string

const (
	// SiteStatusPending marks a site that was created but never deployed.
	SiteStatusPending SiteStatus = "pending"
	// SiteStatusDeploying marks a site with an active deployment job.
	SiteStatusDeploying SiteStatus = "deploying"
	// SiteStatusDeployed marks a site with at least one successful publish.
	SiteStatusDeployed SiteStatus = "deployed"
	// SiteStatusFailed marks a site whose last deployment attempt errored.
	// A previously published version, if any, remains live.
	SiteStatusFailed SiteStatus = "failed"
)

// siteTransitions lists every legal edge of the site state machine.
// A site never reaches a terminal state; it can redeploy indefinitely.
var siteTransitions = map[SiteStatus][]SiteStatus{
	SiteStatusPending:   {SiteStatusDeploying},
	SiteStatusDeploying: {SiteStatusDeployed, SiteStatusFailed},
	SiteStatusDeployed:  {SiteStatusDeploying},
	SiteStatusFailed:    {SiteStatusDeploying},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s SiteStatus) CanTransition(next SiteStatus) bool {
	for _, allowed := range siteTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether the status is a known state.
func (s SiteStatus) Valid() bool {
	switch s {
	case SiteStatusPending, SiteStatusDeploying, SiteStatusDeployed, SiteStatusFailed:
		return true
	}
	return false
}

// Visibility values accepted for a site.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Site is a tenant's named, independently deployable unit of static content.
// The slug is assigned at creation and never renamed.
type Site struct {
	ID             string
	Slug           string
	DisplayName    string
	Domain         string
	Visibility     string
	OwnerID        string
	Status         SiteStatus
	CurrentVersion *int64
	ErrorReason    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Hostname returns the name the routing layer serves the site under:
// the custom domain when set, otherwise slug plus the configured suffix.
func (s Site) Hostname(suffix string) string {
	if s.Domain != "" {
		return s.Domain
	}
	return s.Slug + suffix
}
