// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import "time"

// HeartbeatState summarises how much liveness is left.
type HeartbeatState int

const (
	HeartbeatAlive   HeartbeatState = iota // liveness == max
	HeartbeatSuspect                       // 0 < liveness < max
	HeartbeatExpired                       // liveness == 0
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatAlive:
		return "ALIVE"
	case HeartbeatSuspect:
		return "SUSPECT"
	case HeartbeatExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// HeartbeatMonitor tracks broker liveness and when the next heartbeat to
// the broker is due. The two are independent: receiving traffic restores
// liveness, sending a heartbeat only moves the deadline.
//
// A HeartbeatMonitor is not safe for concurrent use.
type HeartbeatMonitor struct {
	interval    time.Duration
	maxLiveness int
	liveness    int
	nextAt      time.Time
	now         func() time.Time
}

// NewHeartbeatMonitor returns a monitor in the ALIVE state. A nil clock
// means time.Now.
func NewHeartbeatMonitor(interval time.Duration, liveness int, clock func() time.Time) *HeartbeatMonitor {
	if clock == nil {
		clock = time.Now
	}
	if liveness < 1 {
		liveness = 1
	}
	m := &HeartbeatMonitor{
		interval:    interval,
		maxLiveness: liveness,
		now:         clock,
	}
	m.Reset()
	return m
}

// Reset restores full liveness and schedules the next heartbeat one
// interval from now. A broker that heartbeats at least once per interval
// therefore never receives a worker HEARTBEAT, only READY and REPLY traffic.
func (m *HeartbeatMonitor) Reset() {
	m.liveness = m.maxLiveness
	m.nextAt = m.now().Add(m.interval)
}

// OnPollTimeout records one silent interval and reports whether liveness
// is exhausted. The heartbeat deadline is left alone.
func (m *HeartbeatMonitor) OnPollTimeout() (expired bool) {
	if m.liveness > 0 {
		m.liveness--
	}
	return m.liveness == 0
}

// DueToSendHeartbeat reports whether now has reached the heartbeat deadline.
func (m *HeartbeatMonitor) DueToSendHeartbeat(now time.Time) bool {
	return !now.Before(m.nextAt)
}

// Advance moves the heartbeat deadline one interval past now; call it after
// a heartbeat was sent.
func (m *HeartbeatMonitor) Advance(now time.Time) {
	m.nextAt = now.Add(m.interval)
}

// Liveness returns the number of silent intervals still tolerated.
func (m *HeartbeatMonitor) Liveness() int { return m.liveness }

// NextHeartbeat returns the current heartbeat deadline.
func (m *HeartbeatMonitor) NextHeartbeat() time.Time { return m.nextAt }

// Interval returns the heartbeat interval.
func (m *HeartbeatMonitor) Interval() time.Duration { return m.interval }

// State classifies the current liveness.
func (m *HeartbeatMonitor) State() HeartbeatState {
	switch {
	case m.liveness >= m.maxLiveness:
		return HeartbeatAlive
	case m.liveness > 0:
		return HeartbeatSuspect
	default:
		return HeartbeatExpired
	}
}
