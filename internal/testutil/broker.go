// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Inbound is one message received by the stub broker, split into the
// sender's routing identity and the frames it sent.
type Inbound struct {
	Identity []byte
	Frames   [][]byte
}

// StubBroker is a bare ROUTER socket standing in for a Majordomo broker.
// It records what workers send and lets a test script the replies.
type StubBroker struct {
	Endpoint string

	sock   zmq4.Socket
	cancel context.CancelFunc
	in     chan Inbound
	done   chan struct{}
	once   sync.Once
}

// NewStubBroker listens on a free local endpoint. The broker is closed
// when the test ends.
func NewStubBroker(t testing.TB, opts ...zmq4.Option) *StubBroker {
	t.Helper()

	endpoint, err := GetTestEndpoint()
	if err != nil {
		t.Fatalf("could not get endpoint: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewRouter(ctx, opts...)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		sock.Close()
		t.Fatalf("could not listen on %s: %v", endpoint, err)
	}

	b := &StubBroker{
		Endpoint: endpoint,
		sock:     sock,
		cancel:   cancel,
		in:       make(chan Inbound, 256),
		done:     make(chan struct{}),
	}
	go b.readLoop(ctx)
	t.Cleanup(func() { b.Close() })
	return b
}

func (b *StubBroker) readLoop(ctx context.Context) {
	defer close(b.done)
	for {
		msg, err := b.sock.Recv()
		if err != nil {
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		select {
		case b.in <- Inbound{Identity: msg.Frames[0], Frames: msg.Frames[1:]}:
		case <-ctx.Done():
			return
		}
	}
}

// Next returns the next message from any worker, failing the test after timeout.
func (b *StubBroker) Next(t testing.TB, timeout time.Duration) Inbound {
	t.Helper()
	select {
	case in := <-b.in:
		return in
	case <-time.After(timeout):
		t.Fatalf("stub broker: nothing received within %v", timeout)
		return Inbound{}
	}
}

// NextCommand skips messages until one carries the given MDP command byte
// in its third frame.
func (b *StubBroker) NextCommand(t testing.TB, command string, timeout time.Duration) Inbound {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("stub broker: no %x command within %v", command, timeout)
		}
		in := b.Next(t, remaining)
		if len(in.Frames) >= 3 && string(in.Frames[2]) == command {
			return in
		}
	}
}

// Send routes frames to the worker with the given identity.
func (b *StubBroker) Send(identity []byte, frames ...[]byte) error {
	out := make([][]byte, 0, len(frames)+1)
	out = append(out, identity)
	out = append(out, frames...)
	return b.sock.Send(zmq4.NewMsgFrom(out...))
}

// Close stops the broker socket.
func (b *StubBroker) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.sock.Close()
		<-b.done
	})
	return err
}
