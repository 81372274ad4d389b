// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package sql

import (
	"context"

	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/tsoracle"
)

// Plan is the output of planning a statement. Like Statement, the set of
// implementations is closed.
type Plan interface {
	plan()
}

// PlanCreateSource installs a new source.
type PlanCreateSource struct {
	Name      string
	InCluster controller.ClusterID
}

// PlanCreateTable installs a new table.
type PlanCreateTable struct {
	Name       string
	FromSource repr.ID
}

// PlanCreateSink installs a new sink exporting From.
type PlanCreateSink struct {
	Name      string
	From      repr.ID
	InCluster controller.ClusterID
}

// PlanCreateView installs a new view.
type PlanCreateView struct {
	Name string
}

// PlanCreateMaterializedView installs a new materialized view on a cluster.
type PlanCreateMaterializedView struct {
	Name      string
	InCluster controller.ClusterID
}

// PlanCreateIndex installs a new index on a cluster.
type PlanCreateIndex struct {
	Name      string
	On        repr.ID
	InCluster controller.ClusterID
}

// PlanCreateSecret stores a new secret.
type PlanCreateSecret struct {
	Name  string
	Value []byte
}

// PlanAlterSecret replaces a secret's value.
type PlanAlterSecret struct {
	Secret repr.ID
	Value  []byte
}

// PlanCreateConnection installs a new connection, optionally after
// validating it against the external system. Payload, if set, is secret
// material the connection generated during planning, for example an SSH key
// pair; it is made durable under the connection's own id before validation.
type PlanCreateConnection struct {
	Name     string
	Validate bool
	Payload  []byte
}

// PlanAlterConnection changes a connection, optionally revalidating it.
type PlanAlterConnection struct {
	Connection repr.ID
	Validate   bool
	Payload    []byte
}

// PlanSelect reads one result from a collection at a single timestamp.
type PlanSelect struct {
	On        repr.ID
	InCluster controller.ClusterID
	Timeline  tsoracle.Timeline
}

// PlanCopyTo streams one query result to an external destination. The
// coordinator gives the in-flight copy a transient collection id and retires
// the statement when the controller reports the sink finished.
type PlanCopyTo struct {
	From      repr.ID
	InCluster controller.ClusterID
	To        string
	Format    string
	Timeline  tsoracle.Timeline
}

// PlanSubscribe streams changes to a collection. Arity is the column count
// of the subscribed relation, needed to pad progress rows with nulls. A
// strict as-of excludes the snapshot at the starting timestamp and delivers
// only changes after it.
type PlanSubscribe struct {
	From       repr.ID
	InCluster  controller.ClusterID
	Progress   bool
	StrictAsOf bool
	UpTo       repr.Timestamp
	Arity      int
	Timeline   tsoracle.Timeline
}

// PlanExplainTimestamp reports timestamp determination for a collection.
type PlanExplainTimestamp struct {
	Of       repr.ID
	Timeline tsoracle.Timeline
}

// PlanInsert writes rows to a table.
type PlanInsert struct {
	Table repr.ID
	Rows  []repr.RowUpdate
}

// PlanAlterCluster reconfigures a cluster.
type PlanAlterCluster struct {
	Cluster      controller.ClusterID
	AddReplicas  []ReplicaConfig
	DropReplicas []controller.ReplicaID
	WaitReady    bool
}

// PlanDrop removes objects.
type PlanDrop struct {
	IDs []repr.ID
}

func (*PlanCreateSource) plan()           {}
func (*PlanCreateTable) plan()            {}
func (*PlanCreateSink) plan()             {}
func (*PlanCreateView) plan()             {}
func (*PlanCreateMaterializedView) plan() {}
func (*PlanCreateIndex) plan()            {}
func (*PlanCreateSecret) plan()           {}
func (*PlanAlterSecret) plan()            {}
func (*PlanCreateConnection) plan()       {}
func (*PlanAlterConnection) plan()        {}
func (*PlanSelect) plan()                 {}
func (*PlanCopyTo) plan()                 {}
func (*PlanSubscribe) plan()              {}
func (*PlanExplainTimestamp) plan()       {}
func (*PlanInsert) plan()                 {}
func (*PlanAlterCluster) plan()           {}
func (*PlanDrop) plan()                   {}

// RequiresWriteLock reports whether executing the plan appends to a table
// and therefore must serialize behind the coordinator's write lock.
func RequiresWriteLock(p Plan) bool {
	_, ok := p.(*PlanInsert)
	return ok
}

// Planner resolves names against the catalog and produces an executable plan
// together with the ids of every catalog object the plan depends on.
type Planner interface {
	Plan(ctx context.Context, stmt Statement) (Plan, repr.IDSet, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, stmt Statement) (Plan, repr.IDSet, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, stmt Statement) (Plan, repr.IDSet, error) {
	return f(ctx, stmt)
}
