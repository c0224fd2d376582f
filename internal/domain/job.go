package domain

import "time"

// JobStatus enumerates the stages of one upload-to-publish attempt.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusValidating JobStatus = "validating"
	JobStatusUnpacking  JobStatus = "unpacking"
	JobStatusPublishing JobStatus = "publishing"
	JobStatusDeployed   JobStatus = "deployed"
	JobStatusFailed     JobStatus = "failed"
)

// jobTransitions lists the legal edges of the job pipeline. Any stage may
// fail; only the full pipeline reaches deployed.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusValidating, JobStatusFailed},
	JobStatusValidating: {JobStatusUnpacking, JobStatusFailed},
	JobStatusUnpacking:  {JobStatusPublishing, JobStatusFailed},
	JobStatusPublishing: {JobStatusDeployed, JobStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the job has settled.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDeployed || s == JobStatusFailed
}

// DeploymentJob records one upload-to-publish attempt for a site. Jobs are
// retained after settling so clients can audit deployment history. At most
// one job per site may be in a non-terminal state.
type DeploymentJob struct {
	ID              string
	SiteSlug        string
	ArchiveChecksum string
	Status          JobStatus
	ErrorReason     string
	StartedAt       time.Time
	FinishedAt      *time.Time
}
