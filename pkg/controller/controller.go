// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package controller

import (
	"context"

	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/google/uuid"
)

// TableAppend is a batch of updates destined for one table.
type TableAppend struct {
	Table   repr.ID
	Updates []repr.RowUpdate
}

// CollectionMetadata describes the durable shards backing one storage
// collection.
type CollectionMetadata struct {
	DataShard   string
	RemapShard  string
	StatusShard string
}

// IntrospectionUpdate is one diff against a system-maintained relation.
// Table names the relation by its catalog name rather than an id so the
// controller stays ignorant of catalog internals.
type IntrospectionUpdate struct {
	Table string
	Row   repr.Row
	Diff  repr.Diff
}

// Controller is the coordinator's handle on the storage and compute layers.
//
// The coordinator drives the controller cooperatively: it waits for Ready to
// signal, then calls Process from its own task and handles the returned
// response. All other methods may be called from the coordinator task at any
// time. Implementations must not call back into the coordinator.
type Controller interface {
	// Ready returns a channel that receives a value whenever the controller
	// has internal work for Process.
	Ready() <-chan struct{}

	// Process performs one unit of internal work and returns a response for
	// the coordinator, or nil if the work produced none.
	Process(ctx context.Context) (Response, error)

	// WatchClusterEvents returns a channel of replica process status
	// transitions. The channel is closed when ctx is done.
	WatchClusterEvents(ctx context.Context) <-chan ClusterEvent

	// ReadOnly reports whether the process is deployed in read-only mode and
	// must not write to external state.
	ReadOnly() bool

	// Append durably applies table writes at the given timestamp. It blocks
	// until the writes are durable or ctx is done.
	Append(ctx context.Context, appends []TableAppend, writeTs repr.Timestamp) error

	// Peek issues a point-in-time read of a collection on a cluster. The
	// result arrives later as a PeekResponse bearing the same uuid.
	Peek(ctx context.Context, id repr.ID, cluster ClusterID, ts repr.Timestamp, u uuid.UUID) error

	// CancelPeek asks the cluster to stop working on a pending peek. The
	// peek's response, if any still arrives, reports Canceled.
	CancelPeek(u uuid.UUID)

	// CreateCollection makes a new storage or compute collection known,
	// backed by dataflows as needed.
	CreateCollection(ctx context.Context, id repr.ID, cluster ClusterID) error

	// DropCollections tears down the dataflows and storage backing the given
	// collections. Ids without backing collections are ignored.
	DropCollections(ctx context.Context, ids []repr.ID) error

	// InstallWatchSet registers interest in the given objects reaching ts.
	// Once every object's frontier passes ts, a WatchSetFinished response
	// naming the returned id is produced.
	InstallWatchSet(objects []repr.ID, ts repr.Timestamp) WatchSetID

	// ActiveCollectionMetadatas returns the shard metadata of every
	// collection the storage controller currently manages.
	ActiveCollectionMetadatas() map[repr.ID]CollectionMetadata

	// AppendIntrospection blindly writes diffs to system-maintained
	// relations. Not allowed in read-only mode; the caller buffers instead.
	AppendIntrospection(ctx context.Context, updates []IntrospectionUpdate) error
}

// StorageUsageClient fetches the storage sizes of shards from the
// persistence layer. Fetching can be slow; it must run off the coordinator
// task.
type StorageUsageClient interface {
	// ShardsUsageReferenced returns the currently referenced size of each
	// of the given shards, in bytes, keyed by shard id.
	ShardsUsageReferenced(ctx context.Context, shards []string) (map[string]uint64, error)
}

// SecretsController stores and deletes secret payloads.
type SecretsController interface {
	// Ensure durably writes the secret's payload.
	Ensure(ctx context.Context, id repr.ID, payload []byte) error

	// Delete removes the secret's payload. Deleting an absent secret is not
	// an error.
	Delete(ctx context.Context, id repr.ID) error
}

// ConnectionValidator checks a connection against the external system it
// describes. Validation performs network round trips and must run off the
// coordinator task.
type ConnectionValidator interface {
	ValidateConnection(ctx context.Context, id repr.ID, dependencies []repr.ID) error
}
