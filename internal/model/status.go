package model

import "fmt"

const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// completed and failed are terminal: nothing leaves them. Cancellation is
// a forced transition to failed from either non-terminal state.
var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusPending: true,
	},
	StatusPending: {
		StatusPending:     true,
		StatusDownloading: true,
		StatusFailed:      true, // cancelled before a worker picked it up
	},
	StatusDownloading: {
		StatusDownloading: true,
		StatusCompleted:   true,
		StatusFailed:      true,
	},
	StatusCompleted: {
		StatusCompleted: true,
	},
	StatusFailed: {
		StatusFailed: true,
	},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionSources lists the statuses a job may hold immediately before
// moving to the given status. Self-transitions are excluded: they are not
// state changes a guarded write needs to permit. Store-level status writes
// derive their guards from this, so the transition table is enforced at
// the persistence boundary, not just in memory.
func TransitionSources(to string) []string {
	order := []string{StatusPending, StatusDownloading, StatusCompleted, StatusFailed}
	sources := make([]string, 0, 2)
	for _, from := range order {
		if from != to && CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

func TransitionJobStatus(job *Job, toStatus string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, toStatus, job.JobID)
	}
	job.Status = toStatus
	return nil
}
