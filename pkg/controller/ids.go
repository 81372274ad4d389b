// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package controller defines the coordinator's view of the storage and
// compute controllers: the identifiers, events, and responses they exchange
// and the interface the coordinator drives them through. The controller
// implementations themselves live elsewhere.
package controller

import "strconv"

// ClusterID identifies a cluster: a named pool of compute resources.
type ClusterID uint64

func (id ClusterID) String() string {
	return "c" + strconv.FormatUint(uint64(id), 10)
}

// ReplicaID identifies one replica of a cluster. Every replica of a cluster
// runs the same dataflows.
type ReplicaID uint64

func (id ReplicaID) String() string {
	return "r" + strconv.FormatUint(uint64(id), 10)
}

// ProcessID identifies one process within a replica.
type ProcessID uint64

func (id ProcessID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// WatchSetID identifies a watch set installed in the controller.
type WatchSetID uint64

func (id WatchSetID) String() string {
	return "w" + strconv.FormatUint(uint64(id), 10)
}
