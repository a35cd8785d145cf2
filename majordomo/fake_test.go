// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"context"
	"errors"
	"sync"
	"time"
)

// event is one scripted outcome of Transport.Poll.
type event struct {
	frames  [][]byte
	timeout bool
	err     error
	advance time.Duration // moves the fake clock before Poll returns
}

func msg(frames ...string) event {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = []byte(f)
	}
	return event{frames: out}
}

func timeout() event { return event{timeout: true} }

func brokerRequest(addr string, body ...string) event {
	return msg(append([]string{"", WorkerProtocol, string(CommandRequest), addr, ""}, body...)...)
}

func brokerHeartbeat() event  { return msg("", WorkerProtocol, string(CommandHeartbeat)) }
func brokerDisconnect() event { return msg("", WorkerProtocol, string(CommandDisconnect)) }

type sentEnvelope struct {
	conn   int
	frames [][]byte
}

// fakeBroker is a DialFunc backed by in-memory transports. Scripted events
// go to the most recent connection; Poll never waits on real time.
type fakeBroker struct {
	clock *fakeClock

	mu         sync.Mutex
	failDials  int
	dials      int
	openAtDial []int
	conns      []*fakeTransport
	pending    []event
	sent       []sentEnvelope
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) Dial(ctx context.Context, endpoint string) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("connection refused")
	}

	open := 0
	for _, c := range b.conns {
		if !c.isClosed() {
			open++
		}
	}
	b.openAtDial = append(b.openAtDial, open)

	t := &fakeTransport{
		broker: b,
		id:     len(b.conns),
		inbox:  make(chan event, 1024),
		done:   make(chan struct{}),
	}
	for _, ev := range b.pending {
		t.inbox <- ev
	}
	b.pending = nil
	b.conns = append(b.conns, t)
	return t, nil
}

// push queues events on the current connection, or on the next one when
// none is open.
func (b *fakeBroker) push(evs ...event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.conns); n > 0 && !b.conns[n-1].isClosed() {
		for _, ev := range evs {
			b.conns[n-1].inbox <- ev
		}
		return
	}
	b.pending = append(b.pending, evs...)
}

func (b *fakeBroker) record(id int, frames [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Empty frames stay non-nil so envelopes compare equal to frames("", ...).
	cp := make([][]byte, len(frames))
	for i, f := range frames {
		cp[i] = append([]byte{}, f...)
	}
	b.sent = append(b.sent, sentEnvelope{conn: id, frames: cp})
}

func (b *fakeBroker) sentFrames() []sentEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentEnvelope(nil), b.sent...)
}

func (b *fakeBroker) commands() []Command {
	var cmds []Command
	for _, s := range b.sentFrames() {
		cmds = append(cmds, Command(s.frames[2]))
	}
	return cmds
}

func (b *fakeBroker) count(cmd Command) int {
	n := 0
	for _, c := range b.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func (b *fakeBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) conn(i int) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

type fakeTransport struct {
	broker *fakeBroker
	id     int
	inbox  chan event

	once sync.Once
	done chan struct{}
}

func (t *fakeTransport) Send(frames [][]byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.broker.record(t.id, frames)
	return nil
}

func (t *fakeTransport) Poll(ctx context.Context, _ time.Duration) ([][]byte, error) {
	select {
	case ev := <-t.inbox:
		if ev.advance > 0 && t.broker.clock != nil {
			t.broker.clock.Add(ev.advance)
		}
		switch {
		case ev.timeout:
			return nil, ErrPollTimeout
		case ev.err != nil:
			return nil, ev.err
		}
		return ev.frames, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
