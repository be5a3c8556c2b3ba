// Package sandbox runs untrusted job code either inside a resource-capped
// Docker container or, when Docker isn't available, inside a restricted
// subprocess. Both modes write output files under a scratch directory
// that gets collected into the job's result and then discarded.
package sandbox

import (
	"context"

	"campus-compute/pkg/model"
)

// Request is everything an executor needs to run one job.
type Request struct {
	JobID          string
	Code           []byte
	Requirements   string
	Demands        model.Demands
	TimeoutSeconds int
}

// Executor runs a job to completion (or timeout) and reports its result.
type Executor interface {
	Execute(ctx context.Context, req Request) (model.Result, error)
}
