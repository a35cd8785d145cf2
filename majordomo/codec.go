// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package majordomo implements the worker side of the Majordomo Protocol
// (MDP) as specified by https://rfc.zeromq.org/spec/7/.
//
// A Worker registers a service with a broker, answers requests one at a
// time through Recv, and keeps the broker link alive with heartbeats,
// reconnecting on its own when the broker goes quiet or asks it to.
package majordomo

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol constants as per RFC 7/MDP
const (
	// WorkerProtocol is the signature frame of every worker envelope.
	WorkerProtocol = "MDPW01"

	DefaultHeartbeatLiveness = 3 // 3-5 is reasonable
	DefaultHeartbeatInterval = 2500 * time.Millisecond
	DefaultReconnectDelay    = 2500 * time.Millisecond
)

// Command is the third frame of a worker envelope.
type Command string

// Worker commands as per MDP specification
const (
	CommandReady      Command = "\001"
	CommandRequest    Command = "\002"
	CommandReply      Command = "\003"
	CommandHeartbeat  Command = "\004"
	CommandDisconnect Command = "\005"
)

// String returns the symbolic name of the command.
func (c Command) String() string {
	switch c {
	case CommandReady:
		return "READY"
	case CommandRequest:
		return "REQUEST"
	case CommandReply:
		return "REPLY"
	case CommandHeartbeat:
		return "HEARTBEAT"
	case CommandDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(%x)", string(c))
	}
}

// ServiceName represents a MDP service name
type ServiceName string

// String returns the service name as a string
func (s ServiceName) String() string {
	return string(s)
}

// Validate checks if the service name is valid
func (s ServiceName) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("mdp: empty service name")
	}
	if len(s) > 255 {
		return fmt.Errorf("mdp: service name too long: %d bytes (max 255)", len(s))
	}
	return nil
}

// ErrProtocolViolation matches every *ProtocolViolation through errors.Is.
var ErrProtocolViolation = errors.New("mdp: protocol violation")

// ProtocolViolation reports a malformed envelope received from the broker.
type ProtocolViolation struct {
	Reason string
	Frames [][]byte
}

func newViolation(reason string, frames [][]byte) *ProtocolViolation {
	cp := make([][]byte, len(frames))
	for i, f := range frames {
		cp[i] = append([]byte(nil), f...)
	}
	return &ProtocolViolation{Reason: reason, Frames: cp}
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("mdp: protocol violation: %s: frames=%s", e.Reason, FormatFrames(e.Frames))
}

// Is reports whether target is ErrProtocolViolation.
func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Encode builds a worker envelope:
//
//	["", "MDPW01", command, service?, frames...]
//
// The service frame is only present when service is non-empty.
func Encode(cmd Command, service ServiceName, frames ...[]byte) [][]byte {
	n := 3 + len(frames)
	if service != "" {
		n++
	}
	out := make([][]byte, 0, n)
	out = append(out, []byte{}, []byte(WorkerProtocol), []byte(cmd))
	if service != "" {
		out = append(out, []byte(service))
	}
	return append(out, frames...)
}

// Decode strips the envelope header and returns the command together with
// the remaining frames, unchanged. Unknown commands are not an error here.
func Decode(frames [][]byte) (Command, [][]byte, error) {
	switch {
	case len(frames) < 3:
		return "", nil, newViolation(fmt.Sprintf("envelope too short: %d frames", len(frames)), frames)
	case len(frames[0]) != 0:
		return "", nil, newViolation("first frame is not empty", frames)
	case string(frames[1]) != WorkerProtocol:
		return "", nil, newViolation(fmt.Sprintf("signature %q, want %q", frames[1], WorkerProtocol), frames)
	}
	return Command(frames[2]), frames[3:], nil
}

// splitRequest separates the body of a REQUEST into its return address and
// the payload: [address, "", payload...].
//
// Only a single, non-empty address frame is supported; multi-hop return
// envelopes are rejected as malformed.
func splitRequest(body [][]byte) ([]byte, [][]byte, error) {
	if len(body) < 2 {
		return nil, nil, newViolation("REQUEST without return address", body)
	}
	if len(body[0]) == 0 {
		return nil, nil, newViolation("REQUEST with empty return address", body)
	}
	if len(body[1]) != 0 {
		return nil, nil, newViolation("REQUEST return address not followed by empty delimiter", body)
	}
	return body[0], body[2:], nil
}

// FormatFrames renders frames for diagnostics: printable frames quoted,
// binary frames in hex.
func FormatFrames(frames [][]byte) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			sb.WriteString(", ")
		}
		if isPrintable(f) {
			fmt.Fprintf(&sb, "%q", f)
		} else {
			fmt.Fprintf(&sb, "0x%x", f)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func isPrintable(b []byte) bool {
	return bytes.IndexFunc(b, func(r rune) bool { return r < 0x20 || r > 0x7e }) < 0
}
