package registry

import (
	"testing"
	"time"

	"campus-compute/pkg/model"
)

func TestAttachAndGet(t *testing.T) {
	r := New()
	send := make(chan []byte, 1)
	r.Attach("w1", model.Specs{CPUCores: 4}, send)

	sess, ok := r.Get("w1")
	if !ok {
		t.Fatal("Get(w1) = not found, want attached")
	}
	if sess.Status != model.WorkerIdle {
		t.Errorf("Status = %q, want idle", sess.Status)
	}
	if sess.Specs.CPUCores != 4 {
		t.Errorf("Specs.CPUCores = %d, want 4", sess.Specs.CPUCores)
	}
}

func TestDetachRemovesSession(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.Detach("w1")

	if _, ok := r.Get("w1"); ok {
		t.Error("Get(w1) found a session after Detach")
	}
}

func TestHeartbeatUpdatesStatusAndTime(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))

	now := time.Now()
	if ok := r.Heartbeat("w1", model.WorkerBusy, now); !ok {
		t.Fatal("Heartbeat returned false for attached worker")
	}

	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerBusy {
		t.Errorf("Status = %q, want busy", sess.Status)
	}
	if !sess.LastHeartbeatAt.Equal(now) {
		t.Errorf("LastHeartbeatAt = %v, want %v", sess.LastHeartbeatAt, now)
	}
}

func TestHeartbeatDoesNotDowngradeBusySession(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.MarkBusy("w1")

	now := time.Now()
	if ok := r.Heartbeat("w1", model.WorkerIdle, now); !ok {
		t.Fatal("Heartbeat returned false for attached worker")
	}

	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerBusy {
		t.Errorf("Status = %q, want busy (a heartbeat must not downgrade a busy session)", sess.Status)
	}
	if !sess.LastHeartbeatAt.Equal(now) {
		t.Errorf("LastHeartbeatAt = %v, want %v (must still refresh even when busy)", sess.LastHeartbeatAt, now)
	}
}

func TestHeartbeatDoesNotOverwritePausedSession(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.Pause("w1")

	r.Heartbeat("w1", model.WorkerIdle, time.Now())

	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerPaused {
		t.Errorf("Status = %q, want paused (a heartbeat must not override an admin pause)", sess.Status)
	}
}

func TestMarkIdleReleasesABusySession(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.MarkBusy("w1")

	r.MarkIdle("w1")

	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerIdle {
		t.Errorf("Status = %q, want idle", sess.Status)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := New()
	if ok := r.Heartbeat("ghost", model.WorkerIdle, time.Now()); ok {
		t.Error("Heartbeat on unattached worker returned true")
	}
}

func TestMarkBusy(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.MarkBusy("w1")

	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerBusy {
		t.Errorf("Status = %q, want busy", sess.Status)
	}
}

func TestPauseAndResume(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))

	if ok := r.Pause("w1"); !ok {
		t.Fatal("Pause returned false")
	}
	sess, _ := r.Get("w1")
	if sess.Status != model.WorkerPaused {
		t.Errorf("Status = %q, want paused", sess.Status)
	}

	if ok := r.Resume("w1"); !ok {
		t.Fatal("Resume returned false")
	}
	sess, _ = r.Get("w1")
	if sess.Status != model.WorkerIdle {
		t.Errorf("Status after resume = %q, want idle", sess.Status)
	}
}

func TestResumeNonPausedIsNoOp(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))

	if ok := r.Resume("w1"); ok {
		t.Error("Resume on a non-paused worker returned true")
	}
}

func TestIdleOnlyReturnsIdleSessions(t *testing.T) {
	r := New()
	r.Attach("idle-1", model.Specs{}, make(chan []byte, 1))
	r.Attach("busy-1", model.Specs{}, make(chan []byte, 1))
	r.MarkBusy("busy-1")

	idle := r.Idle()
	if len(idle) != 1 || idle[0].WorkerID != "idle-1" {
		t.Errorf("Idle() = %+v, want only idle-1", idle)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(snapshot) = %d, want 1", len(snap))
	}
	snap[0].Status = model.WorkerOffline

	sess, _ := r.Get("w1")
	if sess.Status == model.WorkerOffline {
		t.Error("mutating a snapshot entry affected the live registry")
	}
}

func TestLen(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	r.Attach("w1", model.Specs{}, make(chan []byte, 1))
	r.Attach("w2", model.Specs{}, make(chan []byte, 1))
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestReattachReplacesSession(t *testing.T) {
	r := New()
	firstSend := make(chan []byte, 1)
	r.Attach("w1", model.Specs{CPUCores: 2}, firstSend)
	r.MarkBusy("w1")

	secondSend := make(chan []byte, 1)
	r.Attach("w1", model.Specs{CPUCores: 4}, secondSend)

	sess, ok := r.Get("w1")
	if !ok {
		t.Fatal("expected session after reattach")
	}
	if sess.Status != model.WorkerIdle {
		t.Errorf("Status after reattach = %q, want idle (fresh session)", sess.Status)
	}
	if sess.Specs.CPUCores != 4 {
		t.Errorf("Specs.CPUCores = %d, want 4", sess.Specs.CPUCores)
	}
}
