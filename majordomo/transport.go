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

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

var (
	// ErrPollTimeout is returned by Transport.Poll when nothing arrived in time.
	ErrPollTimeout = errors.New("mdp: poll timeout")

	// ErrTransportClosed is returned by a Transport used after Close.
	ErrTransportClosed = errors.New("mdp: transport closed")
)

// Transport is a connected, frame-oriented link to the broker.
//
// Send and Poll are only ever called from the goroutine driving the worker.
// Close releases every resource held by the transport, including any
// goroutine it started, before returning.
type Transport interface {
	Send(frames [][]byte) error
	// Poll waits up to timeout for one inbound message. It returns
	// ErrPollTimeout when the timeout elapses and ctx.Err() when ctx is done.
	Poll(ctx context.Context, timeout time.Duration) ([][]byte, error)
	Close() error
}

// DialFunc opens a new Transport to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Transport, error)

// ZMQOptions configures the DEALER sockets created by DialZMQ.
type ZMQOptions struct {
	// Identity of the socket. Empty means a random UUID per connection.
	Identity string

	// Security mechanism, nil for NULL.
	Security zmq4.Security

	// DialTimeout bounds a single TCP connect attempt; zero keeps the
	// zmq4 default.
	DialTimeout time.Duration
}

// DialZMQ returns a DialFunc connecting a ZeroMQ DEALER socket to the broker.
func DialZMQ(opts ZMQOptions) DialFunc {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		return dialZMQ(ctx, endpoint, opts)
	}
}

type zmqTransport struct {
	sock   zmq4.Socket
	cancel context.CancelFunc

	in   chan [][]byte
	errc chan error
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func dialZMQ(ctx context.Context, endpoint string, opts ZMQOptions) (*zmqTransport, error) {
	id := opts.Identity
	if id == "" {
		id = uuid.NewString()
	}

	sockOpts := []zmq4.Option{zmq4.WithID(zmq4.SocketIdentity(id))}
	if opts.Security != nil {
		sockOpts = append(sockOpts, zmq4.WithSecurity(opts.Security))
	}
	if opts.DialTimeout > 0 {
		sockOpts = append(sockOpts, zmq4.WithDialerTimeout(opts.DialTimeout))
	}

	// The socket outlives the dialing context: an interrupted Recv must
	// leave the session usable.
	sctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewDealer(sctx, sockOpts...)

	dialed := make(chan error, 1)
	go func() { dialed <- sock.Dial(endpoint) }()

	select {
	case err := <-dialed:
		if err != nil {
			cancel()
			sock.Close()
			return nil, fmt.Errorf("mdp: could not dial broker %s: %w", endpoint, err)
		}
	case <-ctx.Done():
		cancel()
		<-dialed
		sock.Close()
		return nil, ctx.Err()
	}

	t := &zmqTransport{
		sock:   sock,
		cancel: cancel,
		in:     make(chan [][]byte),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.readLoop(sctx)
	return t, nil
}

// readLoop is the single reader of the socket. It exits once the socket
// fails or is closed.
func (t *zmqTransport) readLoop(ctx context.Context) {
	defer close(t.done)
	for {
		msg, err := t.sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				t.errc <- fmt.Errorf("mdp: could not receive from broker: %w", err)
			}
			return
		}
		select {
		case t.in <- msg.Frames:
		case <-ctx.Done():
			return
		}
	}
}

func (t *zmqTransport) Send(frames [][]byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	if err := t.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("mdp: could not send to broker: %w", err)
	}
	return nil
}

func (t *zmqTransport) Poll(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frames := <-t.in:
		return frames, nil
	case err := <-t.errc:
		return nil, err
	case <-t.done:
		return nil, ErrTransportClosed
	case <-timer.C:
		return nil, ErrPollTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *zmqTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.sock.Close()
		<-t.done
	})
	return t.closeErr
}
