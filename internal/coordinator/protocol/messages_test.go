package protocol

import (
	"testing"

	"campus-compute/pkg/model"
)

func TestEncodeDecodeRegisterMsg(t *testing.T) {
	original := RegisterMsg{
		Type:       MsgRegister,
		Name:       "worker-1",
		OwnerToken: "user-123",
		Specs: model.Specs{
			CPUCores:    4,
			RAMGB:       8,
			DockerAvail: true,
			Tags:        []string{"gpu"},
		},
	}

	body, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded RegisterMsg
	if err := Decode(body, MsgRegister, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Name != original.Name {
		t.Errorf("Name = %q, want %q", decoded.Name, original.Name)
	}
	if decoded.Specs.CPUCores != original.Specs.CPUCores {
		t.Errorf("Specs.CPUCores = %d, want %d", decoded.Specs.CPUCores, original.Specs.CPUCores)
	}
}

func TestDecodeWrongType(t *testing.T) {
	body, _ := Encode(HeartbeatMsg{Type: MsgHeartbeat, WorkerID: "w1"})

	var dst RegisterMsg
	if err := Decode(body, MsgRegister, &dst); err == nil {
		t.Fatal("expected error for mismatched type")
	}
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	var dst RegisterMsg
	if err := Decode([]byte("not json"), MsgRegister, &dst); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestPeekType(t *testing.T) {
	body, _ := Encode(RequestJobMsg{Type: MsgRequestJob, WorkerID: "w1"})
	got, err := PeekType(body)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if got != MsgRequestJob {
		t.Errorf("PeekType = %q, want %q", got, MsgRequestJob)
	}
}

func TestJobResultMsgRoundTripWithFiles(t *testing.T) {
	original := JobResultMsg{
		Type:    MsgJobResult,
		JobID:   "job-1",
		Outcome: model.JobCompleted,
		Stdout:  "hello",
		Files: []WireFile{
			{Name: "out.txt", Bytes: []byte("result data")},
		},
	}

	body, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded JobResultMsg
	if err := Decode(body, MsgJobResult, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Files) != 1 || string(decoded.Files[0].Bytes) != "result data" {
		t.Errorf("Files = %+v, want one file with bytes %q", decoded.Files, "result data")
	}
}

func TestRegisterMsgValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     RegisterMsg
		wantErr bool
	}{
		{"valid", RegisterMsg{Name: "w1", Specs: model.Specs{CPUCores: 1, RAMGB: 1}}, false},
		{"missing name", RegisterMsg{Specs: model.Specs{CPUCores: 1, RAMGB: 1}}, true},
		{"missing cpu", RegisterMsg{Name: "w1", Specs: model.Specs{RAMGB: 1}}, true},
		{"missing ram", RegisterMsg{Name: "w1", Specs: model.Specs{CPUCores: 1}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestJobResultMsgValidateOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome model.JobStatus
		wantErr bool
	}{
		{"completed", model.JobCompleted, false},
		{"failed", model.JobFailed, false},
		{"timed_out", model.JobTimedOut, false},
		{"pending", model.JobPending, true},
		{"running", model.JobRunning, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := JobResultMsg{JobID: "job-1", Outcome: tc.outcome}
			err := msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestHeartbeatMsgValidateMissingWorkerID(t *testing.T) {
	msg := HeartbeatMsg{Status: model.WorkerIdle}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for missing worker_id")
	}
}
