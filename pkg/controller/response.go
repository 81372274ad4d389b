// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package controller

import (
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/google/uuid"
)

// Response is a message from the controller to the coordinator, produced by
// Process. The set of implementations is closed.
type Response interface {
	resp()
}

// PeekResponse carries the result of a point-in-time read previously issued
// with Peek. Exactly one of Rows, Err, or Canceled is meaningful.
type PeekResponse struct {
	UUID     uuid.UUID
	Rows     []repr.RowUpdate
	Err      error
	Canceled bool
}

// SubscribeResponse carries one batch of changes for an active subscription.
type SubscribeResponse struct {
	SubscriptionID repr.ID
	Batch          SubscribeBatch
}

// SubscribeBatch is a set of updates between two frontiers. An empty Upper
// means the subscription is complete and no further batches will arrive.
type SubscribeBatch struct {
	Lower   []repr.Timestamp
	Upper   []repr.Timestamp
	Updates []SubscribeUpdate
	// Err, if set, poisons the subscription: the batch carries no updates and
	// the subscription is torn down.
	Err error
}

// SubscribeUpdate is one timestamped row change.
type SubscribeUpdate struct {
	Time repr.Timestamp
	Row  repr.Row
	Diff repr.Diff
}

// CopyToResponse reports completion of a one-shot copy-to-external sink.
type CopyToResponse struct {
	SinkID   repr.ID
	RowCount uint64
	Err      error
}

// ProcessMetrics are resource metrics for one replica process.
type ProcessMetrics struct {
	CPUNanos    uint64
	MemoryBytes uint64
	DiskBytes   uint64
}

// ComputeReplicaMetrics carries fresh resource metrics for the processes of
// one replica, ordered by process id.
type ComputeReplicaMetrics struct {
	Replica   ReplicaID
	Processes []ProcessMetrics
}

// WatchSetFinished reports that the given watch sets have seen every watched
// object advance past the watched timestamp.
type WatchSetFinished struct {
	WatchSets []WatchSetID
}

func (*PeekResponse) resp()          {}
func (*SubscribeResponse) resp()     {}
func (*CopyToResponse) resp()        {}
func (*ComputeReplicaMetrics) resp() {}
func (*WatchSetFinished) resp()      {}
