// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/tracing"
)

// WriteLockGuard owns the coordinator write lock. Releasing more than once
// is harmless; failing to release wedges all writes.
type WriteLockGuard struct {
	release func()
	once    sync.Once
}

// Release returns the write lock.
func (g *WriteLockGuard) Release() {
	g.once.Do(g.release)
}

func (c *Coordinator) newWriteLockGuard() *WriteLockGuard {
	return &WriteLockGuard{release: func() { c.writeLockToken <- struct{}{} }}
}

// tryWriteLock acquires the write lock without blocking. It refuses while
// operations are queued for the lock: newly arriving writes must not jump
// ahead of them.
func (c *Coordinator) tryWriteLock() (*WriteLockGuard, bool) {
	if !c.deferredWrites.empty() {
		return nil, false
	}
	select {
	case <-c.writeLockToken:
		return c.newWriteLockGuard(), true
	default:
		return nil, false
	}
}

// ensureWriteLockWaiter arranges for a write lock grant message once the
// lock frees up. At most one waiter task exists at a time.
func (c *Coordinator) ensureWriteLockWaiter(ctx context.Context) {
	if c.writeLockWaiterActive || c.deferredWrites.empty() {
		return
	}
	c.writeLockWaiterActive = true
	c.spawn(ctx, "coord-write-lock-waiter", func(taskCtx context.Context) {
		select {
		case <-c.writeLockToken:
			c.sendMessage(msgWriteLockGrant{guard: c.newWriteLockGuard()})
		case <-taskCtx.Done():
		}
	})
}

// deferredOp is an operation queued for the write lock.
type deferredOp interface {
	deferredConn() ConnID
}

// deferredPlan is a write plan waiting for the lock.
type deferredPlan struct {
	ec       *ExecuteContext
	plan     *sql.PlanInsert
	validity PlanValidity
}

func (d *deferredPlan) deferredConn() ConnID { return d.ec.conn }

// deferredGroupCommit asks for a group commit once the lock frees up.
type deferredGroupCommit struct{}

func (deferredGroupCommit) deferredConn() ConnID { return 0 }

// deferredQueue is the FIFO of operations waiting for the write lock. The
// queue order is the fairness guarantee: grants always go to the front.
type deferredQueue struct {
	ops []deferredOp
}

func (q *deferredQueue) empty() bool { return len(q.ops) == 0 }

func (q *deferredQueue) len() int { return len(q.ops) }

func (q *deferredQueue) push(op deferredOp) { q.ops = append(q.ops, op) }

func (q *deferredQueue) pop() deferredOp {
	if len(q.ops) == 0 {
		return nil
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op
}

func (q *deferredQueue) removeConn(conn ConnID) []*deferredPlan {
	var removed []*deferredPlan
	kept := q.ops[:0]
	for _, op := range q.ops {
		if d, ok := op.(*deferredPlan); ok && d.ec.conn == conn {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return removed
}

func (c *Coordinator) sequenceInsert(ctx context.Context, ec *ExecuteContext, stmt *sql.Insert) {
	deps := sql.VisitDependencies(stmt)
	if err := c.catalog.CheckDependencies(deps); err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	plan, ids, err := c.cfg.Planner.Plan(ctx, stmt)
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	p, ok := plan.(*sql.PlanInsert)
	if !ok {
		c.finishSequence(ctx, ec, nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag()))
		return
	}
	entry, err := c.catalog.Get(p.Table)
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	if entry.Kind != catalog.KindTable {
		c.finishSequence(ctx, ec, nil, errors.Newf("%s %s does not accept writes", entry.Kind, entry.Name))
		return
	}

	d := &deferredPlan{ec: ec, plan: p, validity: NewPlanValidity(c.catalog, ids, 0, 0)}
	if guard, ok := c.tryWriteLock(); ok {
		c.sequenceDeferredPlan(ctx, d, guard)
		return
	}
	log.VEventf(ctx, 1, "write to table %s waiting for write lock", p.Table)
	c.deferredWrites.push(d)
	c.metrics.DeferredWrites.Update(int64(c.deferredWrites.len()))
	c.ensureWriteLockWaiter(ctx)
}

// sequenceDeferredPlan runs a write plan that now holds the write lock. The
// plan may have waited arbitrarily long, so its validity is re-checked
// before the write is staged.
func (c *Coordinator) sequenceDeferredPlan(ctx context.Context, d *deferredPlan, guard *WriteLockGuard) {
	if err := d.validity.Check(c.catalog); err != nil {
		guard.Release()
		c.finishSequence(ctx, d.ec, nil, err)
		return
	}
	c.pendingWrites = append(c.pendingWrites, &pendingWrite{
		table: d.plan.Table,
		rows:  d.plan.Rows,
		ec:    d.ec,
	})
	c.initiateGroupCommit(ctx, guard)
}

// pendingWrite is one staged table write awaiting group commit.
type pendingWrite struct {
	table repr.ID
	rows  []repr.RowUpdate
	ec    *ExecuteContext
}

// completedWrite pairs a statement with the row count its group commit made
// durable.
type completedWrite struct {
	ec    *ExecuteContext
	count uint64
}

// initiateGroupCommit drains all pending writes into a single append at one
// write timestamp. The append runs off-task; msgGroupCommitApply finishes
// the commit. guard, if non-nil, is a held write lock the commit takes over;
// it is released either here when the commit cannot start or when the commit
// applies.
func (c *Coordinator) initiateGroupCommit(ctx context.Context, guard *WriteLockGuard) {
	if c.groupCommitInFlight || len(c.pendingWrites) == 0 {
		if guard != nil {
			guard.Release()
		}
		return
	}
	if guard == nil {
		var ok bool
		guard, ok = c.tryWriteLock()
		if !ok {
			c.deferredWrites.push(deferredGroupCommit{})
			c.metrics.DeferredWrites.Update(int64(c.deferredWrites.len()))
			c.ensureWriteLockWaiter(ctx)
			return
		}
	}
	c.groupCommitInFlight = true
	ts := c.oracle(tsoracle.EpochMilliseconds).WriteTs(ctx)

	var appends []controller.TableAppend
	idx := make(map[repr.ID]int)
	completed := make([]*completedWrite, 0, len(c.pendingWrites))
	for _, w := range c.pendingWrites {
		i, ok := idx[w.table]
		if !ok {
			i = len(appends)
			idx[w.table] = i
			appends = append(appends, controller.TableAppend{Table: w.table})
		}
		appends[i].Updates = append(appends[i].Updates, w.rows...)
		completed = append(completed, &completedWrite{ec: w.ec, count: uint64(len(w.rows))})
	}
	c.pendingWrites = nil

	meta := tracing.SpanMetaFromContext(ctx)
	log.VEventf(ctx, 2, "group commit of %d writes at %s", len(completed), ts)
	c.spawn(ctx, "coord-group-commit", func(taskCtx context.Context) {
		err := c.ctrl.Append(taskCtx, appends, ts)
		c.sendMessage(msgGroupCommitApply{ts: ts, completed: completed, guard: guard, err: err, span: meta})
	})
}

func (c *Coordinator) handleGroupCommitInitiate(ctx context.Context, guard *WriteLockGuard) {
	c.initiateGroupCommit(ctx, guard)
}

// handleGroupCommitApply finishes a group commit: the oracle observes the
// write so reads at later timestamps see it, the batched statements retire,
// and the lock frees up for whoever is next in line.
func (c *Coordinator) handleGroupCommitApply(ctx context.Context, m msgGroupCommitApply) {
	c.groupCommitInFlight = false
	if m.err != nil {
		log.Warningf(ctx, "group commit at %s failed: %v", m.ts, m.err)
		for _, w := range m.completed {
			c.finishSequence(ctx, w.ec, nil, m.err)
		}
	} else {
		c.oracle(tsoracle.EpochMilliseconds).ApplyWrite(ctx, m.ts)
		c.metrics.GroupCommits.Inc(1)
		for _, w := range m.completed {
			c.metrics.AppendedRows.Inc(int64(w.count))
			c.finishSequence(ctx, w.ec, &AppendedResponse{Count: w.count, WriteTs: m.ts}, nil)
		}
	}
	if m.guard != nil {
		m.guard.Release()
	}
	if len(c.pendingWrites) > 0 {
		c.initiateGroupCommit(ctx, nil)
	}
	c.ensureWriteLockWaiter(ctx)
}

// handleWriteLockGrant hands a freed write lock to the frontmost queued
// operation. Exactly one operation runs per grant; if it cannot use the
// lock after all, the lock is released and the next waiter gets its own
// grant.
func (c *Coordinator) handleWriteLockGrant(ctx context.Context, guard *WriteLockGuard) {
	c.writeLockWaiterActive = false
	op := c.deferredWrites.pop()
	c.metrics.DeferredWrites.Update(int64(c.deferredWrites.len()))
	switch d := op.(type) {
	case nil:
		guard.Release()
	case *deferredPlan:
		ctx = c.annotateConn(ctx, d.ec.conn)
		c.sequenceDeferredPlan(ctx, d, guard)
	case deferredGroupCommit:
		c.initiateGroupCommit(ctx, guard)
	default:
		log.Errorf(ctx, "%v", errors.AssertionFailedf("unhandled deferred op %T", op))
		guard.Release()
	}
	c.ensureWriteLockWaiter(ctx)
}

// cancelDeferred retires the connection's statements still waiting in the
// DDL and write queues.
func (c *Coordinator) cancelDeferred(ctx context.Context, conn ConnID) {
	c.cancelDeferredDDL(ctx, conn)
	for _, d := range c.deferredWrites.removeConn(conn) {
		d.ec.Retire(&CanceledResponse{}, nil)
	}
	c.metrics.DeferredWrites.Update(int64(c.deferredWrites.len()))
}
