// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"

	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/tracing"
)

// staged is one resumable step of statement sequencing. Between steps the
// catalog may change arbitrarily, so the runner re-checks validity before
// every step.
type staged interface {
	// kind labels the stage's resume message.
	kind() string
	// validity is re-checked before the stage runs.
	validity() *PlanValidity
	// run performs the step on the coordinator task.
	run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error)
}

// stageOutcome directs the sequencing loop. Exactly one field is set, except
// that a fully zero outcome suspends sequencing: some later message (a peek
// response, a watch set notification) will retire the statement.
type stageOutcome struct {
	// next continues immediately with another stage.
	next staged
	// spawn runs off-task and resumes via a stage-ready message.
	spawn func(ctx context.Context) (staged, error)
	// resp retires the statement successfully.
	resp ExecuteResponse
	// suspend leaves the statement waiting for an external completion.
	suspend bool
}

// deferredStatement is a DDL statement waiting for its turn in the
// serialized DDL queue.
type deferredStatement struct {
	ec   *ExecuteContext
	stmt sql.Statement
}

// isDDL reports whether the statement changes the catalog and must therefore
// run serialized with all other catalog-changing statements.
func isDDL(stmt sql.Statement) bool {
	switch stmt.(type) {
	case *sql.Select, *sql.Subscribe, *sql.ExplainTimestamp, *sql.Insert:
		return false
	default:
		return true
	}
}

// finishSequence retires a statement and, if it held the DDL slot, lets the
// next deferred DDL statement run.
func (c *Coordinator) finishSequence(ctx context.Context, ec *ExecuteContext, resp ExecuteResponse, err error) {
	ec.Retire(resp, err)
	if ec.ddl {
		c.activeDDL = false
		if len(c.serializedDDL) > 0 {
			c.sendMessage(msgDeferredStatementReady{})
		}
	}
}

// sequenceStatement is the entry point for executing one statement.
func (c *Coordinator) sequenceStatement(ctx context.Context, ec *ExecuteContext, stmt sql.Statement) {
	ec.stmt = stmt
	if isDDL(stmt) && !ec.ddl {
		if c.activeDDL {
			log.VEventf(ctx, 1, "deferring %s behind active DDL", stmt.Tag())
			c.serializedDDL = append(c.serializedDDL, deferredStatement{ec: ec, stmt: stmt})
			return
		}
		c.activeDDL = true
		ec.ddl = true
	}
	c.sequenceStatementInner(ctx, ec, stmt)
}

// sequenceStatementInner dispatches a statement to its sequencing path. It
// is also the re-entry point when a purified statement's validity fails and
// the original statement must be replanned from scratch.
func (c *Coordinator) sequenceStatementInner(ctx context.Context, ec *ExecuteContext, stmt sql.Statement) {
	switch s := stmt.(type) {
	case *sql.CreateSource, *sql.AlterSource, *sql.CreateSink:
		c.sequencePurify(ctx, ec, stmt)
	case *sql.CreateTable:
		if s.FromSource != 0 {
			c.sequencePurify(ctx, ec, stmt)
			return
		}
		c.sequenceCreateTable(ctx, ec, s)
	case *sql.CreateView:
		c.sequenceStaged(ctx, ec, &viewValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), 0),
			stmt:          s,
		})
	case *sql.CreateMaterializedView:
		c.sequenceStaged(ctx, ec, &mvValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), s.InCluster),
			stmt:          s,
		})
	case *sql.CreateIndex:
		c.sequenceStaged(ctx, ec, &indexValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), s.InCluster),
			stmt:          s,
		})
	case *sql.CreateSecret, *sql.AlterSecret:
		c.sequenceStaged(ctx, ec, &secretEnsureStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), 0),
			stmt:          stmt,
		})
	case *sql.CreateConnection, *sql.AlterConnection:
		c.sequenceConnection(ctx, ec, stmt)
	case *sql.Select:
		c.sequenceStaged(ctx, ec, &peekValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), 0),
			stmt:          s,
		})
	case *sql.Subscribe:
		c.sequenceStaged(ctx, ec, &subscribeValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), 0),
			stmt:          s,
		})
	case *sql.ExplainTimestamp:
		c.sequenceStaged(ctx, ec, &explainTsValidateStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), 0),
			stmt:          s,
		})
	case *sql.Insert:
		c.sequenceInsert(ctx, ec, s)
	case *sql.AlterCluster:
		c.sequenceStaged(ctx, ec, &clusterAlterStage{
			stageValidity: anchorValidity(c, sql.VisitDependencies(stmt), s.Cluster),
			stmt:          s,
		})
	case *sql.Drop:
		c.sequenceDrop(ctx, ec, s)
	default:
		c.finishSequence(ctx, ec, nil, unsupportedStatementError(stmt))
	}
}

// sequenceStaged drives a stage chain until it spawns, suspends, retires, or
// fails. Every entry re-checks plan validity first: the catalog may have
// changed while the statement was off-task. A stale stage is thrown away and
// the original statement replanned from scratch, which either produces a
// plan against the current catalog or a clean error naming what is missing.
func (c *Coordinator) sequenceStaged(ctx context.Context, ec *ExecuteContext, stage staged) {
	for {
		if err := stage.validity().Check(c.catalog); err != nil {
			if ec.stmt != nil {
				log.VEventf(ctx, 1, "catalog changed under %s; replanning: %v", ec.tag, err)
				c.sequenceStatementInner(ctx, ec, ec.stmt)
				return
			}
			c.finishSequence(ctx, ec, nil, err)
			return
		}
		out, err := stage.run(ctx, c, ec)
		if err != nil {
			c.finishSequence(ctx, ec, nil, err)
			return
		}
		switch {
		case out.next != nil:
			stage = out.next
		case out.spawn != nil:
			fn := out.spawn
			meta := tracing.SpanMetaFromContext(ctx)
			c.spawn(ctx, "coord-"+stage.kind(), func(taskCtx context.Context) {
				next, err := fn(taskCtx)
				c.sendMessage(msgStageReady{ec: ec, stage: next, err: err, span: meta})
			})
			return
		case out.suspend:
			return
		default:
			c.finishSequence(ctx, ec, out.resp, nil)
			return
		}
	}
}

func (c *Coordinator) handleStageReady(ctx context.Context, m msgStageReady) {
	ctx = c.annotateConn(ctx, m.ec.conn)
	if m.err != nil {
		c.finishSequence(ctx, m.ec, nil, m.err)
		return
	}
	c.sequenceStaged(ctx, m.ec, m.stage)
}

func (c *Coordinator) handleDeferredStatementReady(ctx context.Context) {
	if c.activeDDL || len(c.serializedDDL) == 0 {
		return
	}
	next := c.serializedDDL[0]
	c.serializedDDL = c.serializedDDL[1:]
	ctx = c.annotateConn(ctx, next.ec.conn)
	c.sequenceStatement(ctx, next.ec, next.stmt)
}

// cancelDeferredDDL retires the connection's queued DDL statements.
func (c *Coordinator) cancelDeferredDDL(ctx context.Context, conn ConnID) {
	kept := c.serializedDDL[:0]
	for _, d := range c.serializedDDL {
		if d.ec.conn == conn {
			d.ec.Retire(&CanceledResponse{}, nil)
			continue
		}
		kept = append(kept, d)
	}
	c.serializedDDL = kept
}

// sequencePurify sends a statement off-task for purification against the
// external systems it references.
func (c *Coordinator) sequencePurify(ctx context.Context, ec *ExecuteContext, stmt sql.Statement) {
	validity := NewPlanValidity(c.catalog, sql.VisitDependencies(stmt), 0, 0)
	meta := tracing.SpanMetaFromContext(ctx)
	log.VEventf(ctx, 1, "purifying %s", stmt.Tag())
	c.spawn(ctx, "coord-purify", func(taskCtx context.Context) {
		purified, err := c.cfg.Purifier.Purify(taskCtx, stmt)
		c.sendMessage(msgPurifiedStatementReady{
			ec:           ec,
			purified:     purified,
			err:          err,
			originalStmt: stmt,
			validity:     validity,
			span:         meta,
		})
	})
}

// handlePurifiedStatementReady resumes a statement whose purification
// finished. If the catalog changed underneath the purification in a way that
// dropped one of its dependencies, the original statement is replanned from
// scratch: that either produces an up-to-date plan against the new catalog
// or a clean error naming the missing object.
func (c *Coordinator) handlePurifiedStatementReady(ctx context.Context, m msgPurifiedStatementReady) {
	ctx = c.annotateConn(ctx, m.ec.conn)
	if err := m.validity.Check(c.catalog); err != nil {
		log.VEventf(ctx, 1, "catalog changed during purification of %s; replanning: %v", m.ec.tag, err)
		c.sequenceStatementInner(ctx, m.ec, m.originalStmt)
		return
	}
	if m.err != nil {
		c.finishSequence(ctx, m.ec, nil, m.err)
		return
	}

	// The purified statement may reference objects the original did not, so
	// recompute its dependencies from scratch. This holds for every purified
	// statement kind.
	stmt := m.purified.Statement()
	deps := sql.VisitDependencies(stmt)
	m.validity.SetDependencies(deps)
	if err := c.catalog.CheckDependencies(deps); err != nil {
		c.finishSequence(ctx, m.ec, nil, err)
		return
	}

	plan, ids, err := c.cfg.Planner.Plan(ctx, stmt)
	if err != nil {
		c.finishSequence(ctx, m.ec, nil, err)
		return
	}
	m.validity.SetDependencies(ids)

	switch p := m.purified.(type) {
	case *sql.PurifiedCreateSource:
		c.executePurifiedCreateSource(ctx, m.ec, p, plan)
	case *sql.PurifiedAlterSource:
		c.executePurifiedAlterSource(ctx, m.ec, p)
	case *sql.PurifiedCreateSink:
		c.executePurifiedCreateSink(ctx, m.ec, p, plan)
	case *sql.PurifiedCreateTableFromSource:
		c.executePurifiedCreateTable(ctx, m.ec, p)
	default:
		c.finishSequence(ctx, m.ec, nil, unsupportedStatementError(stmt))
	}
}

// sequenceConnection handles CREATE CONNECTION and ALTER CONNECTION. Secret
// material generated during planning is made durable first, then the
// optional external validation runs; both happen off-task and sequencing
// resumes in handleConnectionValidationReady.
func (c *Coordinator) sequenceConnection(ctx context.Context, ec *ExecuteContext, stmt sql.Statement) {
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
	validity := NewPlanValidity(c.catalog, ids, 0, 0)

	var id repr.ID
	var validate bool
	var payload []byte
	switch p := plan.(type) {
	case *sql.PlanCreateConnection:
		id = c.catalog.AllocateID()
		validate = p.Validate
		payload = p.Payload
	case *sql.PlanAlterConnection:
		id = p.Connection
		validate = p.Validate
		payload = p.Payload
	default:
		c.finishSequence(ctx, ec, nil, unsupportedStatementError(stmt))
		return
	}

	if !validate && payload == nil {
		c.finishConnection(ctx, ec, plan, id, deps)
		return
	}

	meta := tracing.SpanMetaFromContext(ctx)
	depIDs := deps.Ordered()
	log.VEventf(ctx, 1, "validating connection %s", id)
	c.spawn(ctx, "coord-validate-connection", func(taskCtx context.Context) {
		var err error
		if payload != nil {
			err = c.cfg.Secrets.Ensure(taskCtx, id, payload)
		}
		if err == nil && validate {
			err = c.cfg.Validator.ValidateConnection(taskCtx, id, depIDs)
		}
		c.sendMessage(msgConnectionValidationReady{
			ec:       ec,
			err:      err,
			plan:     plan,
			id:       id,
			deps:     deps,
			validity: validity,
			span:     meta,
		})
	})
}

// handleConnectionValidationReady resumes a connection statement whose
// external validation finished. A failure after the connection's secret
// material was written must clean the material up, best effort, before the
// error reaches the client. A catalog change underneath the validation
// instead replans the original statement.
func (c *Coordinator) handleConnectionValidationReady(ctx context.Context, m msgConnectionValidationReady) {
	ctx = c.annotateConn(ctx, m.ec.conn)
	if m.err != nil {
		// The secret payload written for this connection, if any, is now
		// orphaned. Delete it best effort; the client sees the original
		// error either way.
		c.deleteOrphanedSecret(ctx, m.id)
		c.finishSequence(ctx, m.ec, nil, m.err)
		return
	}
	if err := m.validity.Check(c.catalog); err != nil {
		// A created connection's id was never published, so material written
		// under it is orphaned. An altered connection keeps its id; the
		// fresh attempt overwrites the material instead.
		if _, ok := m.plan.(*sql.PlanCreateConnection); ok {
			c.deleteOrphanedSecret(ctx, m.id)
		}
		if m.ec.stmt != nil {
			log.VEventf(ctx, 1, "catalog changed under %s; replanning: %v", m.ec.tag, err)
			c.sequenceStatementInner(ctx, m.ec, m.ec.stmt)
			return
		}
		c.finishSequence(ctx, m.ec, nil, err)
		return
	}
	c.finishConnection(ctx, m.ec, m.plan, m.id, m.deps)
}

func (c *Coordinator) deleteOrphanedSecret(ctx context.Context, id repr.ID) {
	c.spawn(ctx, "coord-cleanup-connection-secret", func(taskCtx context.Context) {
		if err := c.cfg.Secrets.Delete(taskCtx, id); err != nil {
			log.Warningf(taskCtx, "orphaned secret %s not deleted: %v", id, err)
		}
	})
}

func (c *Coordinator) finishConnection(ctx context.Context, ec *ExecuteContext, plan sql.Plan, id repr.ID, deps repr.IDSet) {
	switch p := plan.(type) {
	case *sql.PlanCreateConnection:
		res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
			ID:        id,
			Name:      p.Name,
			Kind:      catalog.KindConnection,
			DependsOn: deps.Ordered(),
		}})
		if err != nil {
			c.finishSequence(ctx, ec, nil, err)
			return
		}
		c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
		c.finishSequence(ctx, ec, &CreatedResponse{ID: id}, nil)
	case *sql.PlanAlterConnection:
		// deps came from the statement, which names the connection itself;
		// the connection must not end up depending on itself.
		refs := make([]repr.ID, 0, len(deps))
		for _, dep := range deps.Ordered() {
			if dep != id {
				refs = append(refs, dep)
			}
		}
		res, err := c.catalog.Transact(catalog.UpdateReferences{ID: id, DependsOn: refs})
		if err != nil {
			c.finishSequence(ctx, ec, nil, err)
			return
		}
		c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
		c.finishSequence(ctx, ec, &AlteredResponse{}, nil)
	}
}

func anchorValidity(c *Coordinator, deps repr.IDSet, cluster controller.ClusterID) stageValidity {
	return stageValidity{v: NewPlanValidity(c.catalog, deps, cluster, 0)}
}
