// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"fmt"
	"strings"
	"time"

	"github.com/destiny/mdp"
	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/plain"
)

// WorkerOptions configures MDP worker behavior
type WorkerOptions struct {
	HeartbeatLiveness int           // Silent intervals tolerated before reconnecting
	HeartbeatInterval time.Duration // Poll timeout and heartbeat period
	ReconnectDelay    time.Duration // Pause before reconnecting after a lost broker
	Identity          string        // Socket identity, empty for a random one per connection
	Security          zmq4.Security // Security mechanism (nil for no security)
	Logger            *mdp.Logger

	// Dial opens the broker transport. Nil means a ZeroMQ DEALER built
	// from Identity and Security.
	Dial DialFunc

	// Clock drives the heartbeat monitor. Nil means time.Now.
	Clock func() time.Time
}

// DefaultWorkerOptions returns default worker options
func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		HeartbeatLiveness: DefaultHeartbeatLiveness,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectDelay:    DefaultReconnectDelay,
		Logger:            mdp.DefaultLogger,
	}
}

// WorkerOptionsFromConfig maps a configuration file onto worker options.
func WorkerOptionsFromConfig(cfg mdp.Config) (*WorkerOptions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := DefaultWorkerOptions()
	opts.HeartbeatLiveness = cfg.HeartbeatLiveness
	opts.HeartbeatInterval = cfg.HeartbeatInterval()
	opts.ReconnectDelay = cfg.ReconnectDelay()
	opts.Identity = cfg.Identity
	opts.Logger = cfg.Logger()

	if strings.EqualFold(cfg.Security.Mechanism, mdp.MechanismPlain) {
		opts.Security = plain.Security(cfg.Security.Username, cfg.Security.Password)
	}
	return opts, nil
}

func (o *WorkerOptions) validate() error {
	if o.HeartbeatLiveness <= 0 {
		return fmt.Errorf("mdp: heartbeat liveness must be positive, got %d", o.HeartbeatLiveness)
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("mdp: heartbeat interval must be positive, got %v", o.HeartbeatInterval)
	}
	if o.ReconnectDelay < 0 {
		return fmt.Errorf("mdp: reconnect delay must not be negative, got %v", o.ReconnectDelay)
	}
	return nil
}

func (o *WorkerOptions) dialer() DialFunc {
	if o.Dial != nil {
		return o.Dial
	}
	return DialZMQ(ZMQOptions{Identity: o.Identity, Security: o.Security})
}
