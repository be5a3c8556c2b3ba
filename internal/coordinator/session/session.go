// Package session owns the TCP listener workers dial into and the
// per-connection goroutine pair — one reader, one writer — that speaks
// the length-prefixed JSON protocol over each socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"campus-compute/internal/coordinator/protocol"
	"campus-compute/internal/coordinator/registry"
	"campus-compute/internal/coordinator/scheduler"
	"campus-compute/internal/store"
	"campus-compute/pkg/model"
)

// outboundBuffer bounds how many encoded frames can queue for a worker
// before the writer goroutine drains them. When a slow or wedged worker's
// buffer is full, trySend drops the frame and closes the connection rather
// than blocking or growing memory unbounded.
const outboundBuffer = 16

// Server accepts worker connections and dispatches their messages against
// the scheduler and the live registry.
type Server struct {
	addr          string
	store         store.Store
	reg           *registry.Registry
	sched         *scheduler.Scheduler
	log           *slog.Logger
	maxFrameBytes int64
}

// New builds a session Server bound to addr.
func New(addr string, s store.Store, reg *registry.Registry, sched *scheduler.Scheduler, log *slog.Logger, maxFrameBytes int64) *Server {
	return &Server{addr: addr, store: s, reg: reg, sched: sched, log: log, maxFrameBytes: maxFrameBytes}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("session: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	srv.log.Info("session server listening", "addr", srv.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			srv.log.Error("accept failed", "error", err)
			continue
		}
		go srv.handleConn(ctx, conn)
	}
}

type connState struct {
	conn     net.Conn
	workerID string
	send     chan []byte
	log      *slog.Logger
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	body, err := protocol.ReadFrame(conn, srv.maxFrameBytes)
	if err != nil {
		srv.log.Warn("session closed before register", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	var reg protocol.RegisterMsg
	if err := protocol.Decode(body, protocol.MsgRegister, &reg); err != nil {
		srv.log.Warn("malformed register, closing", "error", err)
		return
	}
	if err := reg.Validate(); err != nil {
		srv.log.Warn("invalid register, closing", "error", err)
		return
	}

	ownerID := srv.resolveOwner(ctx, reg.OwnerToken)
	worker, err := srv.store.RegisterWorker(ctx, ownerID, reg.Name, reg.Specs)
	if err != nil {
		srv.log.Error("register worker failed", "name", reg.Name, "error", err)
		return
	}

	cs := &connState{
		conn:     conn,
		workerID: worker.ID,
		send:     make(chan []byte, outboundBuffer),
		log:      srv.log.With("worker_id", worker.ID, "worker_name", worker.Name),
	}
	srv.reg.Attach(worker.ID, reg.Specs, cs.send)
	cs.log.Info("worker registered", "owner_id", ownerID, "remote", conn.RemoteAddr())
	_ = srv.store.LogActivity(ctx, "worker_registered", ownerID, worker.Name)

	writerDone := make(chan struct{})
	go srv.writeLoop(cs, writerDone)

	ackBody, err := protocol.Encode(protocol.RegisteredMsg{Type: protocol.MsgRegistered, WorkerID: worker.ID})
	if err != nil {
		cs.log.Error("encode registered ack failed", "error", err)
	} else {
		srv.trySend(cs, ackBody)
	}

	srv.readLoop(ctx, cs)

	close(cs.send)
	<-writerDone
	srv.reg.Detach(worker.ID)
	if err := srv.store.SetWorkerStatus(ctx, worker.ID, model.WorkerOffline, time.Now()); err != nil {
		cs.log.Error("mark worker offline failed", "error", err)
	}
	_ = srv.store.LogActivity(ctx, "worker_disconnected", ownerID, worker.Name)
	cs.log.Info("worker disconnected")
}

// resolveOwner treats the register message's owner token as the owning
// user's id. A token that doesn't resolve to a known user makes the
// worker anonymous: it can still run jobs, but earns no credits.
func (srv *Server) resolveOwner(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}
	u, err := srv.store.GetUser(ctx, token)
	if err != nil {
		return ""
	}
	return u.ID
}

// trySend enqueues body onto the worker's outbound channel without
// blocking. A full buffer means the writer goroutine can't keep up with
// this worker — rather than stall the session's read/dispatch loop behind
// a wedged or hostile connection, drop the frame and force a disconnect so
// the worker reconnects and starts clean.
func (srv *Server) trySend(cs *connState, body []byte) bool {
	select {
	case cs.send <- body:
		return true
	default:
		cs.log.Warn("outbound buffer full, disconnecting worker")
		cs.conn.Close()
		return false
	}
}

func (srv *Server) writeLoop(cs *connState, done chan struct{}) {
	defer close(done)
	for body := range cs.send {
		if err := protocol.WriteFrame(cs.conn, body); err != nil {
			cs.log.Warn("write failed, closing connection", "error", err)
			cs.conn.Close()
			return
		}
	}
}

func (srv *Server) readLoop(ctx context.Context, cs *connState) {
	for {
		body, err := protocol.ReadFrame(cs.conn, srv.maxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cs.log.Warn("read failed, closing connection", "error", err)
			}
			return
		}

		msgType, err := protocol.PeekType(body)
		if err != nil {
			cs.log.Warn("malformed message, closing connection", "error", err)
			return
		}

		if !srv.dispatch(ctx, cs, msgType, body) {
			return
		}
	}
}

// dispatch handles one decoded message and reports whether the session
// should stay open.
func (srv *Server) dispatch(ctx context.Context, cs *connState, msgType protocol.MsgType, body []byte) bool {
	switch msgType {
	case protocol.MsgHeartbeat:
		var hb protocol.HeartbeatMsg
		if err := protocol.Decode(body, protocol.MsgHeartbeat, &hb); err != nil || hb.Validate() != nil {
			cs.log.Warn("invalid heartbeat, closing connection")
			return false
		}
		srv.reg.Heartbeat(cs.workerID, hb.Status, time.Now())
		return true

	case protocol.MsgRequestJob:
		var rq protocol.RequestJobMsg
		if err := protocol.Decode(body, protocol.MsgRequestJob, &rq); err != nil || rq.Validate() != nil {
			cs.log.Warn("invalid request_job, closing connection")
			return false
		}
		srv.handleRequestJob(ctx, cs)
		return true

	case protocol.MsgJobResult:
		var res protocol.JobResultMsg
		if err := protocol.Decode(body, protocol.MsgJobResult, &res); err != nil || res.Validate() != nil {
			cs.log.Warn("invalid job_result, closing connection")
			return false
		}
		srv.handleJobResult(ctx, cs, res)
		return true

	case protocol.MsgDisconnect:
		cs.log.Info("worker requested disconnect")
		return false

	default:
		cs.log.Warn("unknown message type, closing connection", "type", msgType)
		return false
	}
}

func (srv *Server) handleRequestJob(ctx context.Context, cs *connState) {
	job, err := srv.sched.RequestJob(ctx, cs.workerID)
	if err != nil {
		cs.log.Error("request_job failed", "error", err)
		return
	}
	if job == nil {
		body, _ := protocol.Encode(protocol.NoJobMsg{Type: protocol.MsgNoJob})
		srv.trySend(cs, body)
		return
	}

	body, err := protocol.Encode(protocol.JobMsg{
		Type:           protocol.MsgJob,
		JobID:          job.ID,
		Code:           job.Code,
		Requirements:   job.Requirements,
		Demands:        job.Demands,
		TimeoutSeconds: job.Demands.TimeoutSeconds,
		CreditReward:   job.CreditReward,
	})
	if err != nil {
		cs.log.Error("encode job failed", "job_id", job.ID, "error", err)
		return
	}
	srv.trySend(cs, body)
}

func (srv *Server) handleJobResult(ctx context.Context, cs *connState, res protocol.JobResultMsg) {
	files := make([]model.ResultFile, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, model.ResultFile{Name: f.Name, Bytes: f.Bytes})
	}
	result := model.Result{
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		Files:  files,
		Reason: res.Reason,
	}

	if err := srv.sched.Settle(ctx, res.JobID, res.Outcome, result); err != nil {
		cs.log.Error("settle job failed", "job_id", res.JobID, "error", err)
		return
	}
	srv.reg.MarkIdle(cs.workerID)

	body, err := protocol.Encode(protocol.JobReceivedMsg{Type: protocol.MsgJobReceived, JobID: res.JobID})
	if err != nil {
		cs.log.Error("encode job_received failed", "job_id", res.JobID, "error", err)
		return
	}
	srv.trySend(cs, body)
}
