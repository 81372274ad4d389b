// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package controller

import "time"

// State is the readiness of a replica process.
type State int

const (
	// NotReady means the process is unreachable or still rehydrating.
	NotReady State = iota
	// Ready means the process is serving.
	Ready
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ProcessStatus is the status of a single replica process. The struct is
// comparable so callers can cheaply detect status transitions.
type ProcessStatus struct {
	State State
	// Reason is a short explanation for a NotReady state, e.g. "oom-killed".
	Reason string
}

// ClusterEvent reports a status transition of one replica process.
type ClusterEvent struct {
	Cluster ClusterID
	Replica ReplicaID
	Process ProcessID
	Status  ProcessStatus
	At      time.Time
}
