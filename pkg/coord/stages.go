// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/google/uuid"
)

// stageValidity is the validity tracking embedded in every stage.
type stageValidity struct {
	v PlanValidity
}

func (s *stageValidity) validity() *PlanValidity { return &s.v }

// Peek stages. A SELECT validates on-task, plans off-task, and then issues a
// peek against the cluster; the statement stays suspended until the peek
// response arrives.

type peekValidateStage struct {
	stageValidity
	stmt *sql.Select
}

func (s *peekValidateStage) kind() string { return "peek-stage-ready" }

func (s *peekValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		switch p := plan.(type) {
		case *sql.PlanSelect:
			next := &peekFinishStage{stageValidity: stageValidity{v: v}, plan: p}
			next.v.SetDependencies(ids)
			next.v.cluster = p.InCluster
			return next, nil
		case *sql.PlanCopyTo:
			next := &copyToFinishStage{stageValidity: stageValidity{v: v}, plan: p}
			next.v.SetDependencies(ids)
			next.v.cluster = p.InCluster
			return next, nil
		default:
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
	}}, nil
}

type peekFinishStage struct {
	stageValidity
	plan *sql.PlanSelect
}

func (s *peekFinishStage) kind() string { return "peek-stage-ready" }

func (s *peekFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	entry, err := c.catalog.Get(s.plan.On)
	if err != nil {
		return stageOutcome{}, err
	}
	if !entry.Kind.IsReadable() {
		return stageOutcome{}, errors.Newf("%s %s cannot serve reads", entry.Kind, entry.Name)
	}
	timeline := s.plan.Timeline
	if timeline == "" {
		timeline = entry.Timeline
	}
	det := TimestampDetermination{Timeline: timeline}
	det.OracleReadTs = c.oracle(timeline).ReadTs(ctx)
	det.ReadTs = det.OracleReadTs
	u := uuid.New()
	if err := c.ctrl.Peek(ctx, s.plan.On, s.plan.InCluster, det.ReadTs, u); err != nil {
		return stageOutcome{}, err
	}
	strict := false
	if sess, ok := c.sessions[ec.conn]; ok {
		strict = sess.strictSerializable
	}
	c.registerPendingPeek(&pendingPeek{
		uuid:     u,
		ec:       ec,
		conn:     ec.conn,
		det:      det,
		strict:   strict,
		issuedAt: timeutil.Now(),
	})
	log.VEventf(ctx, 2, "peek %s of %s issued at %s", u, s.plan.On, det.ReadTs)
	return stageOutcome{suspend: true}, nil
}

// Subscribe stages.

type subscribeValidateStage struct {
	stageValidity
	stmt *sql.Subscribe
}

func (s *subscribeValidateStage) kind() string { return "subscribe-stage-ready" }

func (s *subscribeValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanSubscribe)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &subscribeFinishStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		next.v.cluster = p.InCluster
		return next, nil
	}}, nil
}

type subscribeFinishStage struct {
	stageValidity
	plan *sql.PlanSubscribe
}

func (s *subscribeFinishStage) kind() string { return "subscribe-stage-ready" }

func (s *subscribeFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	timeline := s.plan.Timeline
	if timeline == "" {
		entry, err := c.catalog.Get(s.plan.From)
		if err != nil {
			return stageOutcome{}, err
		}
		timeline = entry.Timeline
	}
	id := c.catalog.AllocateID()
	if err := c.ctrl.CreateCollection(ctx, id, s.plan.InCluster); err != nil {
		return stageOutcome{}, err
	}
	asOf := c.oracle(timeline).ReadTs(ctx)
	var user string
	if sess, ok := c.sessions[ec.conn]; ok {
		user = sess.user
	}
	sub := newActiveSubscribe(user, ec.conn, s.plan, s.v.Dependencies(), asOf)
	c.activeSinks[id] = sub
	c.addConnSink(ec.conn, id)
	c.metrics.ActiveSubscribes.Inc(1)
	log.VEventf(ctx, 1, "subscribe %s on %s started as of %s", id, s.plan.From, asOf)
	return stageOutcome{resp: &SubscribingResponse{Events: sub.events}}, nil
}

// Copy-to runs through the peek pipeline but suspends on an active sink
// rather than a pending peek: the controller streams the result to the
// destination and reports completion with a row count.

type copyToFinishStage struct {
	stageValidity
	plan *sql.PlanCopyTo
}

func (s *copyToFinishStage) kind() string { return "peek-stage-ready" }

func (s *copyToFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	entry, err := c.catalog.Get(s.plan.From)
	if err != nil {
		return stageOutcome{}, err
	}
	if !entry.Kind.IsReadable() {
		return stageOutcome{}, errors.Newf("%s %s cannot serve reads", entry.Kind, entry.Name)
	}
	id := c.catalog.AllocateID()
	if err := c.ctrl.CreateCollection(ctx, id, s.plan.InCluster); err != nil {
		return stageOutcome{}, err
	}
	c.activeSinks[id] = &activeCopyTo{
		conn: ec.conn,
		ec:   ec,
		from: s.plan.From,
	}
	c.addConnSink(ec.conn, id)
	log.VEventf(ctx, 1, "copy %s of %s to %s started", id, s.plan.From, s.plan.To)
	return stageOutcome{suspend: true}, nil
}

// Explain timestamp stages.

type explainTsValidateStage struct {
	stageValidity
	stmt *sql.ExplainTimestamp
}

func (s *explainTsValidateStage) kind() string { return "explain-timestamp-stage-ready" }

func (s *explainTsValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanExplainTimestamp)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &explainTsFinishStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		return next, nil
	}}, nil
}

type explainTsFinishStage struct {
	stageValidity
	plan *sql.PlanExplainTimestamp
}

func (s *explainTsFinishStage) kind() string { return "explain-timestamp-stage-ready" }

func (s *explainTsFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	timeline := s.plan.Timeline
	if timeline == "" {
		entry, err := c.catalog.Get(s.plan.Of)
		if err != nil {
			return stageOutcome{}, err
		}
		timeline = entry.Timeline
	}
	oracleTs := c.oracle(timeline).ReadTs(ctx)
	return stageOutcome{resp: &ExplainTimestampResponse{Determination: TimestampDetermination{
		Timeline:     timeline,
		ReadTs:       oracleTs,
		OracleReadTs: oracleTs,
	}}}, nil
}

// Index stages.

type indexValidateStage struct {
	stageValidity
	stmt *sql.CreateIndex
}

func (s *indexValidateStage) kind() string { return "create-index-stage-ready" }

func (s *indexValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	if _, err := c.catalog.GetCluster(s.stmt.InCluster); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanCreateIndex)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &indexFinishStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		next.v.cluster = p.InCluster
		return next, nil
	}}, nil
}

type indexFinishStage struct {
	stageValidity
	plan *sql.PlanCreateIndex
}

func (s *indexFinishStage) kind() string { return "create-index-stage-ready" }

func (s *indexFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	on, err := c.catalog.Get(s.plan.On)
	if err != nil {
		return stageOutcome{}, err
	}
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      s.plan.Name,
		Kind:      catalog.KindIndex,
		DependsOn: []repr.ID{s.plan.On},
		Timeline:  on.Timeline,
		InCluster: s.plan.InCluster,
	}})
	if err != nil {
		return stageOutcome{}, err
	}
	id := res.Created[0]
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if err := c.createCollectionOrRollback(ctx, id, s.plan.InCluster); err != nil {
		return stageOutcome{}, err
	}
	return stageOutcome{resp: &CreatedResponse{ID: id}}, nil
}

// View stages.

type viewValidateStage struct {
	stageValidity
	stmt *sql.CreateView
}

func (s *viewValidateStage) kind() string { return "create-view-stage-ready" }

func (s *viewValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanCreateView)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &viewFinishStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		return next, nil
	}}, nil
}

type viewFinishStage struct {
	stageValidity
	plan *sql.PlanCreateView
}

func (s *viewFinishStage) kind() string { return "create-view-stage-ready" }

func (s *viewFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	// Views are unmaterialized; no controller collection backs them.
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      s.plan.Name,
		Kind:      catalog.KindView,
		DependsOn: s.v.Dependencies().Ordered(),
	}})
	if err != nil {
		return stageOutcome{}, err
	}
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	return stageOutcome{resp: &CreatedResponse{ID: res.Created[0]}}, nil
}

// Materialized view stages.

type mvValidateStage struct {
	stageValidity
	stmt *sql.CreateMaterializedView
}

func (s *mvValidateStage) kind() string { return "create-materialized-view-stage-ready" }

func (s *mvValidateStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if err := c.catalog.CheckDependencies(s.v.Dependencies()); err != nil {
		return stageOutcome{}, err
	}
	if _, err := c.catalog.GetCluster(s.stmt.InCluster); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanCreateMaterializedView)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &mvFinishStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		next.v.cluster = p.InCluster
		return next, nil
	}}, nil
}

type mvFinishStage struct {
	stageValidity
	plan *sql.PlanCreateMaterializedView
}

func (s *mvFinishStage) kind() string { return "create-materialized-view-stage-ready" }

func (s *mvFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		Name:      s.plan.Name,
		Kind:      catalog.KindMaterializedView,
		DependsOn: s.v.Dependencies().Ordered(),
		InCluster: s.plan.InCluster,
	}})
	if err != nil {
		return stageOutcome{}, err
	}
	id := res.Created[0]
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	if err := c.createCollectionOrRollback(ctx, id, s.plan.InCluster); err != nil {
		return stageOutcome{}, err
	}
	return stageOutcome{resp: &CreatedResponse{ID: id}}, nil
}

// Secret stages. The payload write happens off-task before the catalog
// commit; a commit failure leaves an orphaned payload that is deleted best
// effort.

type secretEnsureStage struct {
	stageValidity
	stmt sql.Statement
}

func (s *secretEnsureStage) kind() string { return "secret-stage-ready" }

func (s *secretEnsureStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, _, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		switch p := plan.(type) {
		case *sql.PlanCreateSecret:
			id := c.catalog.AllocateID()
			if err := c.cfg.Secrets.Ensure(taskCtx, id, p.Value); err != nil {
				return nil, err
			}
			return &secretFinishStage{stageValidity: stageValidity{v: v}, id: id, name: p.Name, create: true}, nil
		case *sql.PlanAlterSecret:
			if err := c.cfg.Secrets.Ensure(taskCtx, p.Secret, p.Value); err != nil {
				return nil, err
			}
			return &secretFinishStage{stageValidity: stageValidity{v: v}, id: p.Secret}, nil
		default:
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
	}}, nil
}

type secretFinishStage struct {
	stageValidity
	id     repr.ID
	name   string
	create bool
}

func (s *secretFinishStage) kind() string { return "secret-stage-ready" }

func (s *secretFinishStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if !s.create {
		return stageOutcome{resp: &AlteredResponse{}}, nil
	}
	res, err := c.catalog.Transact(catalog.CreateObject{Entry: catalog.Entry{
		ID:   s.id,
		Name: s.name,
		Kind: catalog.KindSecret,
	}})
	if err != nil {
		// The payload is durable but the catalog refused the object. Delete
		// the payload best effort; the client sees the catalog error.
		id := s.id
		c.spawn(ctx, "coord-cleanup-secret", func(taskCtx context.Context) {
			if dErr := c.cfg.Secrets.Delete(taskCtx, id); dErr != nil {
				log.Warningf(taskCtx, "orphaned secret %s not deleted: %v", id, dErr)
			}
		})
		return stageOutcome{}, err
	}
	c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
	return stageOutcome{resp: &CreatedResponse{ID: s.id}}, nil
}

// Cluster stages. ALTER CLUSTER applies replica changes and then optionally
// waits for the cluster's dataflows to catch up before reporting success.

type clusterAlterStage struct {
	stageValidity
	stmt *sql.AlterCluster
}

func (s *clusterAlterStage) kind() string { return "cluster-stage-ready" }

func (s *clusterAlterStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	if _, err := c.catalog.GetCluster(s.stmt.Cluster); err != nil {
		return stageOutcome{}, err
	}
	stmt := s.stmt
	v := s.v
	return stageOutcome{spawn: func(taskCtx context.Context) (staged, error) {
		plan, ids, err := c.cfg.Planner.Plan(taskCtx, stmt)
		if err != nil {
			return nil, err
		}
		p, ok := plan.(*sql.PlanAlterCluster)
		if !ok {
			return nil, errors.AssertionFailedf("planned %T for %s", plan, stmt.Tag())
		}
		next := &clusterFinalizeStage{stageValidity: stageValidity{v: v}, plan: p}
		next.v.SetDependencies(ids)
		return next, nil
	}}, nil
}

type clusterFinalizeStage struct {
	stageValidity
	plan *sql.PlanAlterCluster
}

func (s *clusterFinalizeStage) kind() string { return "cluster-stage-ready" }

func (s *clusterFinalizeStage) run(ctx context.Context, c *Coordinator, ec *ExecuteContext) (stageOutcome, error) {
	p := s.plan
	var ops []catalog.Op
	for _, r := range p.AddReplicas {
		ops = append(ops, catalog.CreateReplica{Cluster: p.Cluster, Name: r.Name, Processes: r.Processes})
	}
	for _, r := range p.DropReplicas {
		ops = append(ops, catalog.DropReplica{Cluster: p.Cluster, Replica: r})
	}
	if len(ops) > 0 {
		res, err := c.catalog.Transact(ops...)
		if err != nil {
			return stageOutcome{}, err
		}
		c.applyIntrospectionUpdates(ctx, res.BuiltinUpdates)
		for i, rid := range res.CreatedReplicas {
			c.seedReplicaStatuses(ctx, p.Cluster, rid, p.AddReplicas[i].Processes)
		}
		c.dropReplicaSideEffects(ctx, res.DroppedReplicas)
	}
	if !p.WaitReady {
		return stageOutcome{resp: &AlteredResponse{}}, nil
	}
	objects := c.catalog.ObjectsOnCluster(p.Cluster)
	if len(objects) == 0 {
		return stageOutcome{resp: &AlteredResponse{}}, nil
	}
	ts := c.oracle(tsoracle.EpochMilliseconds).ReadTs(ctx)
	ws := c.ctrl.InstallWatchSet(objects, ts)
	c.registerWatchSet(ctx, ws, ec, &AlteredResponse{})
	log.VEventf(ctx, 1, "cluster %s waiting on watch set %s over %d objects", p.Cluster, ws, len(objects))
	return stageOutcome{suspend: true}, nil
}
