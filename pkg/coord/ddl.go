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
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/util/log"
)

func unsupportedStatementError(stmt sql.Statement) error {
	return errors.AssertionFailedf("no sequencing path for %T", stmt)
}

// rollbackCreated undoes a catalog commit whose controller side effects
// failed. Collections already installed for the doomed objects are dropped
// again. A rollback failure indicates corrupted coordinator state and is
// only logged.
func (c *Coordinator) rollbackCreated(ctx context.Context, ids []repr.ID) {
	res, err := c.catalog.Transact(catalog.DropObjects{IDs: ids})
	if err != nil {
		log.Errorf(ctx, "%v", errors.AssertionFailedf("rollback of %v after controller failure: %v", ids, err))
		return
	}
	c.dropSideEffects(ctx, res)
}

// createCollectionOrRollback installs the controller collection for a newly
// committed catalog object, undoing the commit if the controller refuses.
func (c *Coordinator) createCollectionOrRollback(ctx context.Context, id repr.ID, cluster controller.ClusterID) error {
	err := c.ctrl.CreateCollection(ctx, id, cluster)
	if err == nil {
		return nil
	}
	c.rollbackCreated(ctx, []repr.ID{id})
	return err
}

func (c *Coordinator) sequenceCreateTable(ctx context.Context, ec *ExecuteContext, stmt *sql.CreateTable) {
	deps := sql.VisitDependencies(stmt)
	if err := c.catalog.CheckDependencies(deps); err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	plan, _, err := c.cfg.Planner.Plan(ctx, stmt)
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	p, ok := plan.(*sql.PlanCreateTable)
	if !ok {
		c.finishSequence(ctx, ec, nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag()))
		return
	}
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      p.Name,
		Kind:      catalog.KindTable,
		DependsOn: deps.Ordered(),
	}})
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	id := res.Created[0]
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if err := c.createCollectionOrRollback(ctx, id, 0); err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.finishSequence(ctx, ec, &CreatedResponse{ID: id}, nil)
}

func (c *Coordinator) sequenceDrop(ctx context.Context, ec *ExecuteContext, stmt *sql.Drop) {
	res, err := c.catalog.Transact(catalog.DropObjects{IDs: stmt.IDs})
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.dropSideEffects(ctx, res)
	log.VEventf(ctx, 1, "dropped %d objects", len(res.Dropped))
	c.finishSequence(ctx, ec, &DroppedResponse{IDs: res.Dropped}, nil)
}

// dropSideEffects tears down everything attached to the objects and replicas
// a transaction removed: introspection rows, active sinks, replica status
// and metrics rows, and controller collections.
func (c *Coordinator) dropSideEffects(ctx context.Context, res *catalog.TxnResult) {
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if len(res.Dropped) > 0 {
		// Active sinks are keyed by their transient collection ids, not the
		// catalog ids of the relations they read, so walk the registry and
		// match on dependencies.
		droppedSet := make(repr.IDSet, len(res.Dropped))
		for _, id := range res.Dropped {
			droppedSet.Add(id)
		}
		var doomed []repr.ID
		for id, sink := range c.activeSinks {
			if sink.dependsOn(droppedSet) {
				doomed = append(doomed, id)
			}
		}
		for _, id := range doomed {
			c.dropSink(ctx, id, errors.Newf("subscription's underlying relation was dropped"))
		}
	}
	c.dropReplicaSideEffects(ctx, res.DroppedReplicas)
	if len(res.Dropped) > 0 {
		if err := c.ctrl.DropCollections(ctx, res.Dropped); err != nil {
			log.Warningf(ctx, "dropping collections %v: %v", res.Dropped, err)
		}
	}
}

func (c *Coordinator) executePurifiedCreateSource(
	ctx context.Context, ec *ExecuteContext, p *sql.PurifiedCreateSource, plan sql.Plan,
) {
	cp, ok := plan.(*sql.PlanCreateSource)
	if !ok {
		c.finishSequence(ctx, ec, nil, errors.AssertionFailedf("planned %T for %s", plan, p.Stmt.Tag()))
		return
	}
	// Subsource entries depend on the parent so that dropping the source
	// cascades to them. The ids are allocated up front so the whole family
	// commits in one transaction.
	parent := c.catalog.AllocateID()
	ops := []catalog.Op{catalog.CreateObject{Entry: catalog.Entry{
		ID:        parent,
		Name:      cp.Name,
		Kind:      catalog.KindSource,
		DependsOn: sql.VisitDependencies(p.Stmt).Ordered(),
		InCluster: cp.InCluster,
	}}}
	for _, sub := range p.Subsources {
		ops = append(ops, catalog.CreateObject{Entry: catalog.Entry{
			ID:        c.catalog.AllocateID(),
			Name:      sub.Name,
			Kind:      catalog.KindSource,
			DependsOn: []repr.ID{parent},
			InCluster: cp.InCluster,
		}})
	}
	res, err := c.catalog.Transact(ops...)
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	for _, id := range res.Created {
		if err := c.ctrl.CreateCollection(ctx, id, cp.InCluster); err != nil {
			c.rollbackCreated(ctx, []repr.ID{parent})
			c.finishSequence(ctx, ec, nil, err)
			return
		}
	}
	log.VEventf(ctx, 1, "created source %s with %d subsources", parent, len(p.Subsources))
	c.finishSequence(ctx, ec, &CreatedResponse{ID: parent}, nil)
}

func (c *Coordinator) executePurifiedAlterSource(
	ctx context.Context, ec *ExecuteContext, p *sql.PurifiedAlterSource,
) {
	res, err := c.catalog.Transact(catalog.UpdateReferences{
		ID:        p.Stmt.Source,
		DependsOn: append([]repr.ID(nil), p.Stmt.References...),
	})
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	c.finishSequence(ctx, ec, &AlteredResponse{}, nil)
}

func (c *Coordinator) executePurifiedCreateSink(
	ctx context.Context, ec *ExecuteContext, p *sql.PurifiedCreateSink, plan sql.Plan,
) {
	sp, ok := plan.(*sql.PlanCreateSink)
	if !ok {
		c.finishSequence(ctx, ec, nil, errors.AssertionFailedf("planned %T for %s", plan, p.Stmt.Tag()))
		return
	}
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      sp.Name,
		Kind:      catalog.KindSink,
		DependsOn: sql.VisitDependencies(p.Stmt).Ordered(),
		InCluster: sp.InCluster,
	}})
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	id := res.Created[0]
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if err := c.createCollectionOrRollback(ctx, id, sp.InCluster); err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.finishSequence(ctx, ec, &CreatedResponse{ID: id}, nil)
}

func (c *Coordinator) executePurifiedCreateTable(
	ctx context.Context, ec *ExecuteContext, p *sql.PurifiedCreateTableFromSource,
) {
	stmt := p.Stmt
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      stmt.Name,
		Kind:      catalog.KindTable,
		DependsOn: sql.VisitDependencies(stmt).Ordered(),
	}})
	if err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	id := res.Created[0]
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if err := c.createCollectionOrRollback(ctx, id, 0); err != nil {
		c.finishSequence(ctx, ec, nil, err)
		return
	}
	c.finishSequence(ctx, ec, &CreatedResponse{ID: id}, nil)
}
