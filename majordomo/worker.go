// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/destiny/mdp"
)

var (
	// ErrReplyRequired is returned by Recv when the previous request has
	// not been answered.
	ErrReplyRequired = errors.New("mdp: reply required for the pending request")

	// ErrUnexpectedReply is returned by Recv when a reply is passed while no
	// request is pending.
	ErrUnexpectedReply = errors.New("mdp: reply given but no request is pending")

	// ErrDestroyed is returned once the worker has been destroyed.
	ErrDestroyed = errors.New("mdp: worker destroyed")
)

// RequestHandler processes one request body and returns the reply body.
type RequestHandler func(ctx context.Context, request [][]byte) ([][]byte, error)

// Stats is a snapshot of worker counters.
type Stats struct {
	Service            ServiceName
	State              State
	Liveness           int
	Connects           uint64
	Requests           uint64
	Replies            uint64
	HeartbeatsSent     uint64
	HeartbeatsReceived uint64
	Unexpected         uint64
	HandlerErrors      uint64
}

// Worker implements the MDP worker.
//
// Recv, Connect and Serve drive the session and must be called from a
// single goroutine. Destroy, Stats and State may be called concurrently
// with them.
type Worker struct {
	service  ServiceName
	endpoint string
	options  WorkerOptions
	dial     DialFunc
	now      func() time.Time
	log      *mdp.Logger

	// life is cancelled by Destroy and aborts every blocking call.
	life    context.Context
	destroy context.CancelFunc

	// mu serializes sends and guards the session fields below.
	mu        sync.Mutex
	state     State
	transport Transport
	monitor   *HeartbeatMonitor
	replyTo   []byte
	stats     Stats
}

// NewWorker creates a worker for service that will talk to the broker at
// brokerEndpoint. Nothing is dialed until Connect or the first Recv.
func NewWorker(service ServiceName, brokerEndpoint string, options *WorkerOptions) (*Worker, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}
	if brokerEndpoint == "" {
		return nil, fmt.Errorf("mdp: empty broker endpoint")
	}
	if options == nil {
		options = DefaultWorkerOptions()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	opts := *options
	if opts.Logger == nil {
		opts.Logger = mdp.DefaultLogger
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	life, destroy := context.WithCancel(context.Background())
	return &Worker{
		service:  service,
		endpoint: brokerEndpoint,
		options:  opts,
		dial:     opts.dialer(),
		now:      now,
		log:      opts.Logger.Named(fmt.Sprintf("worker[%s]", service)),
		life:     life,
		destroy:  destroy,
		state:    StateIdle,
		monitor:  NewHeartbeatMonitor(opts.HeartbeatInterval, opts.HeartbeatLiveness, now),
	}, nil
}

// Service returns the service name this worker serves
func (w *Worker) Service() ServiceName {
	return w.service
}

// State returns the current session state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.stats
	st.Service = w.service
	st.State = w.state
	st.Liveness = w.monitor.Liveness()
	return st
}

// Connect (re)opens the broker transport and registers the service with a
// READY command. Any previous transport is released first and a pending
// request is dropped. Failures are retried every ReconnectDelay until ctx
// is done.
func (w *Worker) Connect(ctx context.Context) error {
	ctx, cancel := w.bind(ctx)
	defer cancel()

	err := w.connect(ctx)
	if err != nil && w.life.Err() != nil {
		return ErrDestroyed
	}
	return err
}

// Recv sends reply to the pending request, if any, and waits for the next
// request from the broker, returning its body.
//
// reply must be non-nil exactly when the previous Recv returned a request.
// Recv returns (nil, nil) when ctx is cancelled. A malformed envelope from
// the broker is returned as a *ProtocolViolation; the run should end there.
// Lost connections are repaired internally and never returned.
func (w *Worker) Recv(ctx context.Context, reply [][]byte) ([][]byte, error) {
	ctx, cancel := w.bind(ctx)
	defer cancel()

	w.mu.Lock()
	switch {
	case w.state == StateDestroyed:
		w.mu.Unlock()
		return nil, ErrDestroyed
	case reply != nil && w.state != StateReplyPending:
		w.mu.Unlock()
		return nil, ErrUnexpectedReply
	case reply == nil && w.state == StateReplyPending:
		w.mu.Unlock()
		return nil, ErrReplyRequired
	}

	lost := false
	if reply != nil {
		lost = !w.sendReplyLocked(reply)
	}
	idle := w.state == StateIdle || w.state == StateDisconnecting
	w.mu.Unlock()

	switch {
	case lost:
		if err := w.reconnect(ctx, true); err != nil {
			return w.interrupted(err)
		}
	case idle:
		if err := w.connect(ctx); err != nil {
			return w.interrupted(err)
		}
	}

	for {
		w.mu.Lock()
		t := w.transport
		w.mu.Unlock()
		if t == nil {
			return w.interrupted(ErrDestroyed)
		}

		frames, err := t.Poll(ctx, w.options.HeartbeatInterval)
		switch {
		case err == nil:
			body, act, err := w.dispatch(frames)
			switch {
			case err != nil:
				return nil, err
			case act == actDeliver:
				return body, nil
			case act == actReconnect:
				if err := w.reconnect(ctx, false); err != nil {
					return w.interrupted(err)
				}
			}

		case errors.Is(err, ErrPollTimeout):
			w.mu.Lock()
			expired := w.monitor.OnPollTimeout()
			w.mu.Unlock()
			if expired {
				w.log.Warn("broker %s silent for %d heartbeats, reconnecting in %v",
					w.endpoint, w.options.HeartbeatLiveness, w.options.ReconnectDelay)
				if err := w.reconnect(ctx, true); err != nil {
					return w.interrupted(err)
				}
			}

		case ctx.Err() != nil:
			return w.interrupted(ctx.Err())

		default:
			w.log.Warn("lost broker %s (%v), reconnecting in %v", w.endpoint, err, w.options.ReconnectDelay)
			if err := w.reconnect(ctx, true); err != nil {
				return w.interrupted(err)
			}
		}

		w.mu.Lock()
		w.heartbeatLocked()
		w.mu.Unlock()
	}
}

// Serve answers requests with handler until ctx is cancelled or the worker
// is destroyed. A handler error is logged and answered with a single
// "error: ..." frame so the broker is never left waiting.
func (w *Worker) Serve(ctx context.Context, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("mdp: request handler cannot be nil")
	}

	var reply [][]byte
	for {
		request, err := w.Recv(ctx, reply)
		if errors.Is(err, ErrDestroyed) {
			return nil
		}
		if err != nil {
			return err
		}
		if request == nil {
			return nil
		}

		reply, err = handler(ctx, request)
		if err != nil {
			w.log.Error("request handler error: %v", err)
			w.mu.Lock()
			w.stats.HandlerErrors++
			w.mu.Unlock()
			reply = [][]byte{[]byte("error: " + err.Error())}
		}
		if reply == nil {
			reply = [][]byte{}
		}
	}
}

// Destroy tells the broker the worker is leaving and releases the
// transport. It may be called from any goroutine; later calls do nothing.
func (w *Worker) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateDestroyed {
		return nil
	}

	if w.state == StateRequestWait || w.state == StateReplyPending {
		if err := w.sendLocked(Encode(CommandDisconnect, "")); err != nil {
			w.log.Debug("could not send DISCONNECT: %v", err)
		}
	}

	w.setState(StateDestroyed)
	w.destroy()
	err := w.releaseLocked()
	w.log.Info("destroyed")
	return err
}

type action int

const (
	actContinue action = iota
	actDeliver
	actReconnect
)

// dispatch decodes one inbound envelope and applies it to the session.
func (w *Worker) dispatch(frames [][]byte) ([][]byte, action, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Destroyed while the message was in flight.
	if w.state != StateRequestWait {
		return nil, actContinue, nil
	}

	if w.log.IsEnabled(mdp.LogLevelTrace) {
		w.log.Trace("← %s", FormatFrames(frames))
	}

	cmd, body, err := Decode(frames)
	if err != nil {
		w.log.Error("%v", err)
		return nil, actContinue, err
	}
	w.monitor.Reset()

	switch cmd {
	case CommandRequest:
		addr, payload, err := splitRequest(body)
		if err != nil {
			w.log.Error("%v", err)
			return nil, actContinue, err
		}
		w.replyTo = append([]byte(nil), addr...)
		w.setState(StateReplyPending)
		w.stats.Requests++
		w.log.Debug("REQUEST from client %x (%d frames)", addr, len(payload))
		return payload, actDeliver, nil

	case CommandHeartbeat:
		w.stats.HeartbeatsReceived++

	case CommandDisconnect:
		w.log.Info("broker %s asked us to disconnect", w.endpoint)
		return nil, actReconnect, nil

	default:
		w.stats.Unexpected++
		w.log.Warn("unexpected %s from broker: %s", cmd, FormatFrames(frames))
	}
	return nil, actContinue, nil
}

// sendReplyLocked answers the pending request and reports whether the
// reply reached the transport.
func (w *Worker) sendReplyLocked(reply [][]byte) bool {
	frames := make([][]byte, 0, len(reply)+2)
	frames = append(frames, w.replyTo, []byte{})
	frames = append(frames, reply...)

	err := w.sendLocked(Encode(CommandReply, "", frames...))
	w.replyTo = nil
	w.setState(StateRequestWait)
	if err != nil {
		w.log.Warn("reply lost: %v", err)
		return false
	}
	w.stats.Replies++
	return true
}

// heartbeatLocked sends a HEARTBEAT when one is due.
func (w *Worker) heartbeatLocked() {
	if w.transport == nil || w.state != StateRequestWait {
		return
	}
	now := w.now()
	if !w.monitor.DueToSendHeartbeat(now) {
		return
	}
	if err := w.sendLocked(Encode(CommandHeartbeat, "")); err != nil {
		w.log.Warn("could not send HEARTBEAT: %v", err)
	} else {
		w.stats.HeartbeatsSent++
	}
	w.monitor.Advance(now)
}

// reconnect drops the session, optionally waits ReconnectDelay, and connects again.
func (w *Worker) reconnect(ctx context.Context, delay bool) error {
	w.mu.Lock()
	if w.state == StateDestroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	w.disconnectLocked()
	w.mu.Unlock()

	if delay && !sleep(ctx, w.options.ReconnectDelay) {
		return ctx.Err()
	}
	return w.connect(ctx)
}

// connect performs one full session setup, retrying failed attempts after
// ReconnectDelay.
func (w *Worker) connect(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.state == StateDestroyed {
			w.mu.Unlock()
			return ErrDestroyed
		}
		w.disconnectLocked()
		w.setState(StateConnecting)
		w.mu.Unlock()

		t, err := w.dial(ctx, w.endpoint)
		if err == nil {
			w.mu.Lock()
			if w.state == StateDestroyed {
				w.mu.Unlock()
				t.Close()
				return ErrDestroyed
			}
			w.transport = t
			w.setState(StateReadyWait)
			w.monitor.Reset()
			err = w.sendLocked(Encode(CommandReady, w.service))
			if err == nil {
				w.setState(StateRequestWait)
				w.stats.Connects++
				w.mu.Unlock()
				w.log.Info("connected to broker %s", w.endpoint)
				return nil
			}
			w.disconnectLocked()
			w.mu.Unlock()
		} else {
			w.mu.Lock()
			if w.state != StateDestroyed {
				w.setState(StateDisconnecting)
			}
			w.mu.Unlock()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warn("could not connect to broker %s: %v, retrying in %v", w.endpoint, err, w.options.ReconnectDelay)
		if !sleep(ctx, w.options.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// disconnectLocked moves the session to DISCONNECTING and releases the
// transport. It is a no-op on an idle or already disconnected session.
func (w *Worker) disconnectLocked() {
	if w.state == StateIdle || w.state == StateDisconnecting {
		return
	}
	w.setState(StateDisconnecting)
	if err := w.releaseLocked(); err != nil {
		w.log.Debug("closing transport: %v", err)
	}
}

// releaseLocked closes the transport and forgets the pending request.
func (w *Worker) releaseLocked() error {
	w.replyTo = nil
	if w.transport == nil {
		return nil
	}
	err := w.transport.Close()
	w.transport = nil
	return err
}

func (w *Worker) sendLocked(frames [][]byte) error {
	if w.transport == nil {
		return ErrTransportClosed
	}
	if w.log.IsEnabled(mdp.LogLevelTrace) {
		w.log.Trace("→ %s", FormatFrames(frames))
	}
	return w.transport.Send(frames)
}

func (w *Worker) setState(next State) {
	if !CanTransition(w.state, next) {
		panic(fmt.Sprintf("mdp: illegal worker transition %s -> %s", w.state, next))
	}
	w.log.Trace("state %s -> %s", w.state, next)
	w.state = next
}

// bind derives a context that is also cancelled by Destroy.
func (w *Worker) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// interrupted maps the error that ended a blocking step onto Recv's result.
func (w *Worker) interrupted(err error) ([][]byte, error) {
	if w.life.Err() != nil || errors.Is(err, ErrDestroyed) {
		return nil, ErrDestroyed
	}
	return nil, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
