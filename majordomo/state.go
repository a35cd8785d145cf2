// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import "fmt"

// State is the lifecycle state of a Worker session.
type State int

const (
	StateIdle          State = iota // constructed, never connected
	StateConnecting                 // opening the transport
	StateReadyWait                  // transport open, READY not yet sent
	StateRequestWait                // registered, waiting for work
	StateReplyPending               // a REQUEST was handed to the caller
	StateDisconnecting              // tearing the session down before reconnecting
	StateDestroyed                  // terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReadyWait:
		return "READY_WAIT"
	case StateRequestWait:
		return "REQUEST_WAIT"
	case StateReplyPending:
		return "REPLY_PENDING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name, e.g. in JSON stats.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateIdle:          {StateConnecting, StateDestroyed},
	StateConnecting:    {StateReadyWait, StateDisconnecting, StateDestroyed},
	StateReadyWait:     {StateRequestWait, StateDisconnecting, StateDestroyed},
	StateRequestWait:   {StateReplyPending, StateDisconnecting, StateDestroyed},
	StateReplyPending:  {StateRequestWait, StateDisconnecting, StateDestroyed},
	StateDisconnecting: {StateConnecting, StateDestroyed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
