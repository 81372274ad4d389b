// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/freshetdb/freshet/pkg/util/tracing"
)

// handleMessage runs one message handler to completion. It is only ever
// called from the serve task.
func (c *Coordinator) handleMessage(ctx context.Context, m message) {
	kind := m.Kind()
	start := timeutil.Now()
	ctx, span := tracing.ChildSpanFromMeta(ctx, "message."+kind, messageSpanMeta(m))
	defer span.Finish()
	log.VEventf(ctx, 2, "handling message %s", kind)

	switch msg := m.(type) {
	case msgCommand:
		c.handleCommand(ctx, msg.cmd)
	case msgControllerReady:
		c.handleControllerReady(ctx)
	case msgClusterEvent:
		c.handleClusterEvent(ctx, msg.event)
	case msgPurifiedStatementReady:
		c.handlePurifiedStatementReady(ctx, msg)
	case msgConnectionValidationReady:
		c.handleConnectionValidationReady(ctx, msg)
	case msgWriteLockGrant:
		c.handleWriteLockGrant(ctx, msg.guard)
	case msgDeferredStatementReady:
		c.handleDeferredStatementReady(ctx)
	case msgGroupCommitInitiate:
		c.handleGroupCommitInitiate(ctx, msg.guard)
	case msgGroupCommitApply:
		c.handleGroupCommitApply(ctx, msg)
	case msgLinearizeReads:
		c.handleLinearizeReads(ctx, msg.pending)
	case msgStageReady:
		c.handleStageReady(ctx, msg)
	case msgCancelPendingPeeks:
		c.cancelPendingPeeks(ctx, msg.conn)
	case msgStorageUsageSchedule:
		c.handleStorageUsageSchedule(ctx)
	case msgStorageUsageFetch:
		c.handleStorageUsageFetch(ctx)
	case msgStorageUsageUpdate:
		c.handleStorageUsageUpdate(ctx, msg)
	case msgRetireExecute:
		c.handleRetireExecute(ctx, msg)
	case msgExecuteSingleStatementTransaction:
		ctx = c.annotateConn(ctx, msg.ec.conn)
		c.sequenceStatement(ctx, msg.ec, msg.stmt)
	case msgDrainStatementLog:
		c.handleDrainStatementLog(ctx)
	default:
		log.Errorf(ctx, "%v", errors.AssertionFailedf("unhandled message %T", m))
	}

	c.metrics.MessagesHandled.Inc(1)
	c.metrics.MessageHandleDuration.RecordValue(timeutil.Since(start).Nanoseconds())
	if hook := c.cfg.Knobs.OnMessage; hook != nil {
		hook(kind)
	}
}

func messageSpanMeta(m message) tracing.SpanMeta {
	switch msg := m.(type) {
	case msgPurifiedStatementReady:
		return msg.span
	case msgConnectionValidationReady:
		return msg.span
	case msgGroupCommitInitiate:
		return msg.span
	case msgGroupCommitApply:
		return msg.span
	case msgStageReady:
		return msg.span
	case msgRetireExecute:
		return msg.span
	case msgExecuteSingleStatementTransaction:
		return msg.span
	default:
		return tracing.SpanMeta{}
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case cmdStartup:
		c.connIDAlloc++
		conn := c.connIDAlloc
		s := &Session{
			conn:               conn,
			user:               cmd.user,
			strictSerializable: cmd.strictSerializable,
			notices:            make(chan Notice, 16),
		}
		c.sessions[conn] = s
		log.VEventf(ctx, 1, "session %s started for user %s", conn, cmd.user)
		cmd.resp <- startupResult{client: &SessionClient{coord: c, conn: conn, notices: s.notices}}

	case cmdExecute:
		ctx = c.annotateConn(ctx, cmd.ec.conn)
		if _, ok := c.sessions[cmd.ec.conn]; !ok {
			cmd.ec.Retire(nil, errors.Newf("unknown connection %s", cmd.ec.conn))
			return
		}
		c.sendMessage(msgExecuteSingleStatementTransaction{
			ec:   cmd.ec,
			stmt: cmd.stmt,
			span: tracing.SpanMetaFromContext(ctx),
		})

	case cmdCancel:
		ctx = c.annotateConn(ctx, cmd.conn)
		c.cancelConn(ctx, cmd.conn)

	case cmdTerminate:
		ctx = c.annotateConn(ctx, cmd.conn)
		c.terminateConn(ctx, cmd.conn)
		close(cmd.done)

	default:
		log.Errorf(ctx, "%v", errors.AssertionFailedf("unhandled command %T", cmd))
	}
}

// cancelConn abandons the connection's in-flight work. The session survives.
func (c *Coordinator) cancelConn(ctx context.Context, conn ConnID) {
	log.VEventf(ctx, 1, "canceling work of connection %s", conn)
	c.cancelPendingPeeks(ctx, conn)
	c.cancelDeferred(ctx, conn)
	c.cancelLinearizeReads(ctx, conn)
	c.dropConnSinks(ctx, conn, errors.New("subscription canceled"))
}

// terminateConn cancels in-flight work and removes the session.
func (c *Coordinator) terminateConn(ctx context.Context, conn ConnID) {
	c.cancelConn(ctx, conn)
	c.uninstallConnWatchSets(ctx, conn)
	if _, ok := c.sessions[conn]; !ok {
		return
	}
	delete(c.sessions, conn)
	log.VEventf(ctx, 1, "session %s terminated", conn)
}

func (c *Coordinator) handleControllerReady(ctx context.Context) {
	resp, err := c.ctrl.Process(ctx)
	if err != nil {
		log.Warningf(ctx, "controller process failed: %v", err)
		return
	}
	if resp == nil {
		return
	}
	switch r := resp.(type) {
	case *controller.PeekResponse:
		c.handlePeekResponse(ctx, r)
	case *controller.SubscribeResponse:
		c.handleSubscribeResponse(ctx, r)
	case *controller.CopyToResponse:
		c.handleCopyToResponse(ctx, r)
	case *controller.ComputeReplicaMetrics:
		c.handleReplicaMetrics(ctx, r)
	case *controller.WatchSetFinished:
		c.handleWatchSetFinished(ctx, r.WatchSets)
	default:
		log.Errorf(ctx, "%v", errors.AssertionFailedf("unhandled controller response %T", resp))
	}
}

func (c *Coordinator) handleRetireExecute(ctx context.Context, m msgRetireExecute) {
	rec := m.record
	elapsed := rec.finished.Sub(rec.began)
	c.metrics.StatementDuration.RecordValue(elapsed.Nanoseconds())
	c.metrics.StatementRate.Add(float64(elapsed.Nanoseconds()))
	c.pendingStatementLog = append(c.pendingStatementLog, catalog.BuiltinTableUpdate{
		Table: catalog.TableStatementHistory,
		Row:   catalog.PackStatementHistoryRow(rec.id, rec.tag, rec.status, rec.errMsg, rec.began, rec.finished),
		Diff:  1,
	})
	log.VEventf(ctx, 2, "retired %s (%s) in %s", rec.id, rec.status, elapsed)
}

func (c *Coordinator) handleDrainStatementLog(ctx context.Context) {
	if len(c.pendingStatementLog) == 0 {
		return
	}
	updates := c.pendingStatementLog
	c.pendingStatementLog = nil
	c.applyIntrospectionUpdates(ctx, updates)
}
