package dispatcher

import "github.com/forgeline/sandboxd/internal/jobs"

// ConcurrencyLimits defines max concurrent jobs per type. Each build holds
// one sandbox agent busy, so the limit bounds agent load, not server load.
var ConcurrencyLimits = map[jobs.JobType]int{
	jobs.JobTypeBuild: 4,
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
func GetConcurrencyLimit(jobType jobs.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
