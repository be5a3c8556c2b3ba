package protocol

import (
	"encoding/json"
	"fmt"

	"campus-compute/pkg/model"
)

// MsgType discriminates the JSON envelope's `type` field. Unknown values
// and messages missing required fields both cause the session to close
// per spec.
type MsgType string

const (
	MsgRegister    MsgType = "register"
	MsgRegistered  MsgType = "registered"
	MsgHeartbeat   MsgType = "heartbeat"
	MsgRequestJob  MsgType = "request_job"
	MsgJob         MsgType = "job"
	MsgNoJob       MsgType = "no_job"
	MsgJobResult   MsgType = "job_result"
	MsgJobReceived MsgType = "job_received"
	MsgDisconnect  MsgType = "disconnect"
)

// Envelope is decoded first to discover the message type before parsing
// the rest of the fields into a specific message struct.
type Envelope struct {
	Type MsgType `json:"type"`
}

// RegisterMsg is the mandatory first message a worker sends. OwnerToken
// is opaque and verified by the coordinator against the user table;
// absence means anonymous (the worker earns no credits).
type RegisterMsg struct {
	Type       MsgType     `json:"type"`
	Name       string      `json:"name"`
	OwnerToken string      `json:"owner_token,omitempty"`
	Specs      model.Specs `json:"specs"`
}

// RegisteredMsg acknowledges a successful register.
type RegisteredMsg struct {
	Type     MsgType `json:"type"`
	WorkerID string  `json:"worker_id"`
}

// HeartbeatMsg is sent periodically by the worker; no reply is expected.
type HeartbeatMsg struct {
	Type     MsgType            `json:"type"`
	WorkerID string             `json:"worker_id"`
	Status   model.WorkerStatus `json:"status"`
}

// RequestJobMsg asks the scheduler for the next matching job.
type RequestJobMsg struct {
	Type     MsgType `json:"type"`
	WorkerID string  `json:"worker_id"`
}

// JobMsg carries an assigned job's payload down to the worker.
type JobMsg struct {
	Type           MsgType       `json:"type"`
	JobID          string        `json:"job_id"`
	Code           []byte        `json:"code"`
	Requirements   string        `json:"requirements,omitempty"`
	Demands        model.Demands `json:"demands"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	CreditReward   int64         `json:"credit_reward"`
}

// NoJobMsg is sent in reply to a RequestJobMsg when nothing matches.
type NoJobMsg struct {
	Type MsgType `json:"type"`
}

// WireFile is the base64-friendly artifact shape carried over the wire;
// Go's json package encodes/decodes a []byte field as base64 natively, so
// a result file's bytes travel as a plain []byte field here.
type WireFile struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes_b64"`
}

// JobResultMsg is the worker's report of a finished (or timed-out, or
// failed) job.
type JobResultMsg struct {
	Type    MsgType       `json:"type"`
	JobID   string        `json:"job_id"`
	Outcome model.JobStatus `json:"outcome"`
	Stdout  string        `json:"stdout"`
	Stderr  string        `json:"stderr"`
	Files   []WireFile    `json:"files"`
	Reason  model.FailureReason `json:"reason,omitempty"`
}

// JobReceivedMsg acknowledges a JobResultMsg.
type JobReceivedMsg struct {
	Type  MsgType `json:"type"`
	JobID string  `json:"job_id"`
}

// DisconnectMsg is sent by a worker that is shutting down gracefully.
type DisconnectMsg struct {
	Type MsgType `json:"type"`
}

// Decode unmarshals body into dst after confirming its `type` field
// matches want; it's the shape-validation gate every session handler
// calls before acting on a message.
func Decode(body []byte, want MsgType, dst any) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.Type != want {
		return fmt.Errorf("protocol: expected type %q, got %q", want, env.Type)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("protocol: malformed %s body: %w", want, err)
	}
	return nil
}

// PeekType reads just the `type` discriminator out of a raw frame body.
func PeekType(body []byte) (MsgType, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	return env.Type, nil
}

// Encode marshals v, which must already carry its own `type` field.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", v, err)
	}
	return body, nil
}
