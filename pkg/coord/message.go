// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"time"

	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/util/tracing"
)

// message is one unit of coordinator work. Every state transition of the
// coordinator happens inside the handler of exactly one message; tasks
// running off the coordinator never mutate coordinator state directly, they
// post messages instead. The set of implementations is closed.
type message interface {
	// Kind labels the message for logging and metrics.
	Kind() string
	msg()
}

// msgCommand carries a command from a client session.
type msgCommand struct {
	cmd command
}

// msgControllerReady asks the coordinator to let the controller process one
// unit of internal work.
type msgControllerReady struct{}

// msgClusterEvent reports a replica process status transition.
type msgClusterEvent struct {
	event controller.ClusterEvent
}

// msgPurifiedStatementReady resumes a statement whose purification completed
// off-task.
type msgPurifiedStatementReady struct {
	ec           *ExecuteContext
	purified     sql.Purified
	err          error
	originalStmt sql.Statement
	validity     PlanValidity
	span         tracing.SpanMeta
}

// msgConnectionValidationReady resumes a CREATE CONNECTION or ALTER
// CONNECTION statement whose external validation completed off-task.
type msgConnectionValidationReady struct {
	ec       *ExecuteContext
	err      error
	plan     sql.Plan
	id       repr.ID
	deps     repr.IDSet
	validity PlanValidity
	span     tracing.SpanMeta
}

// msgWriteLockGrant delivers ownership of the write lock to the coordinator,
// which hands it to the frontmost deferred operation.
type msgWriteLockGrant struct {
	guard *WriteLockGuard
}

// msgDeferredStatementReady asks the coordinator to start the next statement
// in the serialized DDL queue.
type msgDeferredStatementReady struct{}

// msgGroupCommitInitiate starts a group commit of all pending writes.
type msgGroupCommitInitiate struct {
	guard *WriteLockGuard
	span  tracing.SpanMeta
}

// msgGroupCommitApply finishes a group commit whose table appends became
// durable: the timestamp oracle observes the write and the batched client
// responses are released. A non-nil err means the append failed and the
// batched statements fail instead.
type msgGroupCommitApply struct {
	ts        repr.Timestamp
	completed []*completedWrite
	guard     *WriteLockGuard
	err       error
	span      tracing.SpanMeta
}

// msgLinearizeReads delivers newly finished strict serializable reads and
// re-examines the ones still waiting for the timestamp oracle to catch up.
type msgLinearizeReads struct {
	pending []*PendingReadTxn
}

// msgStageReady resumes a staged statement whose off-task work completed.
type msgStageReady struct {
	ec    *ExecuteContext
	stage staged
	err   error
	span  tracing.SpanMeta
}

// msgCancelPendingPeeks cancels every pending peek of one connection.
type msgCancelPendingPeeks struct {
	conn ConnID
}

// msgStorageUsageSchedule arranges the next storage usage collection.
type msgStorageUsageSchedule struct{}

// msgStorageUsageFetch starts fetching shard sizes from the persistence
// layer.
type msgStorageUsageFetch struct{}

// msgStorageUsageUpdate records freshly fetched shard sizes and prunes
// expired measurements.
type msgStorageUsageUpdate struct {
	sizes       map[string]uint64
	collectedAt time.Time
}

// msgRetireExecute records the end of a statement execution in the statement
// history.
type msgRetireExecute struct {
	record statementRecord
	span   tracing.SpanMeta
}

// msgExecuteSingleStatementTransaction runs one statement as an implicit
// transaction.
type msgExecuteSingleStatementTransaction struct {
	ec   *ExecuteContext
	stmt sql.Statement
	span tracing.SpanMeta
}

// msgDrainStatementLog flushes buffered statement history rows to the
// introspection store.
type msgDrainStatementLog struct{}

func (msgCommand) Kind() string                          { return "command" }
func (msgControllerReady) Kind() string                  { return "controller-ready" }
func (msgClusterEvent) Kind() string                     { return "cluster-event" }
func (msgPurifiedStatementReady) Kind() string           { return "purified-statement-ready" }
func (m msgConnectionValidationReady) Kind() string {
	if _, ok := m.plan.(*sql.PlanAlterConnection); ok {
		return "alter-connection-validation-ready"
	}
	return "create-connection-validation-ready"
}
func (msgWriteLockGrant) Kind() string         { return "write-lock-grant" }
func (msgDeferredStatementReady) Kind() string { return "deferred-statement-ready" }
func (msgGroupCommitInitiate) Kind() string    { return "group-commit-initiate" }
func (msgGroupCommitApply) Kind() string       { return "group-commit-apply" }
func (msgLinearizeReads) Kind() string         { return "linearize-reads" }
func (m msgStageReady) Kind() string {
	if m.stage == nil {
		return "stage-ready"
	}
	return m.stage.kind()
}
func (msgCancelPendingPeeks) Kind() string     { return "cancel-pending-peeks" }
func (msgStorageUsageSchedule) Kind() string   { return "storage-usage-schedule" }
func (msgStorageUsageFetch) Kind() string      { return "storage-usage-fetch" }
func (msgStorageUsageUpdate) Kind() string     { return "storage-usage-update" }
func (msgRetireExecute) Kind() string          { return "retire-execute" }
func (msgExecuteSingleStatementTransaction) Kind() string {
	return "execute-single-statement-transaction"
}
func (msgDrainStatementLog) Kind() string { return "drain-statement-log" }

func (msgCommand) msg()                           {}
func (msgControllerReady) msg()                   {}
func (msgClusterEvent) msg()                      {}
func (msgPurifiedStatementReady) msg()            {}
func (msgConnectionValidationReady) msg()         {}
func (msgWriteLockGrant) msg()                    {}
func (msgDeferredStatementReady) msg()            {}
func (msgGroupCommitInitiate) msg()               {}
func (msgGroupCommitApply) msg()                  {}
func (msgLinearizeReads) msg()                    {}
func (msgStageReady) msg()                        {}
func (msgCancelPendingPeeks) msg()                {}
func (msgStorageUsageSchedule) msg()              {}
func (msgStorageUsageFetch) msg()                 {}
func (msgStorageUsageUpdate) msg()                {}
func (msgRetireExecute) msg()                     {}
func (msgExecuteSingleStatementTransaction) msg() {}
func (msgDrainStatementLog) msg()                 {}
