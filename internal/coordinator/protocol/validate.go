package protocol

import (
	"errors"

	"campus-compute/pkg/model"
)

// Validate reports the first missing required field. Session handlers
// call this immediately after Decode and close the session on any error,
// per spec: "missing required fields ⇒ session closed."
func (m RegisterMsg) Validate() error {
	if m.Name == "" {
		return errors.New("protocol: register missing name")
	}
	if m.Specs.CPUCores <= 0 {
		return errors.New("protocol: register missing specs.cpu_cores")
	}
	if m.Specs.RAMGB <= 0 {
		return errors.New("protocol: register missing specs.ram_gb")
	}
	return nil
}

func (m HeartbeatMsg) Validate() error {
	if m.WorkerID == "" {
		return errors.New("protocol: heartbeat missing worker_id")
	}
	return nil
}

func (m RequestJobMsg) Validate() error {
	if m.WorkerID == "" {
		return errors.New("protocol: request_job missing worker_id")
	}
	return nil
}

func (m JobResultMsg) Validate() error {
	if m.JobID == "" {
		return errors.New("protocol: job_result missing job_id")
	}
	switch m.Outcome {
	case model.JobCompleted, model.JobFailed, model.JobTimedOut:
	default:
		return errors.New("protocol: job_result has invalid outcome")
	}
	return nil
}
