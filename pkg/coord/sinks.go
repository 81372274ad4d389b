// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// subscribeEventBufferSize bounds how far a subscription client may fall
// behind before it is dropped as too slow.
const subscribeEventBufferSize = 4096

// activeComputeSink is a running dataflow that delivers results directly to
// one client: a subscription or a one-shot copy to an external destination.
// Sinks are keyed in Coordinator.activeSinks by the transient collection id
// allocated when they started, not by any catalog id.
type activeComputeSink interface {
	// connID is the owning connection.
	connID() ConnID
	// dependsOn reports whether dropping the given objects dooms the sink.
	dependsOn(dropped repr.IDSet) bool
	// drop tears the sink down, forwarding err to the client when the sink
	// has a way to. Idempotent.
	drop(ctx context.Context, err error)
}

// activeSubscribe is a running SUBSCRIBE. The coordinator converts each
// controller batch into client events; the client consumes them from the
// events channel at its own pace.
type activeSubscribe struct {
	user string
	conn ConnID
	from repr.ID
	// cluster is where the subscription's dataflow runs.
	cluster controller.ClusterID
	// progress requests progress rows whenever the frontier advances.
	progress bool
	// asOf is the timestamp the subscription started at. With strictAsOf
	// set, updates at asOf itself (the snapshot) are withheld.
	asOf       repr.Timestamp
	strictAsOf bool
	// upTo, if nonzero, excludes updates at or beyond it; the subscription
	// finishes once the frontier reaches it.
	upTo      repr.Timestamp
	arity     int
	depends   repr.IDSet
	events    chan SubscribeEvent
	startedAt time.Time
	// frontier is the last frontier reported to the client via a progress
	// row. Starts at asOf.
	frontier repr.Timestamp
	// dropping is set once the subscription began tearing down; late batches
	// are ignored.
	dropping bool
}

func newActiveSubscribe(
	user string, conn ConnID, plan *sql.PlanSubscribe, deps repr.IDSet, asOf repr.Timestamp,
) *activeSubscribe {
	return &activeSubscribe{
		user:       user,
		conn:       conn,
		from:       plan.From,
		cluster:    plan.InCluster,
		progress:   plan.Progress,
		asOf:       asOf,
		strictAsOf: plan.StrictAsOf,
		upTo:       plan.UpTo,
		arity:      plan.Arity,
		depends:    deps,
		events:     make(chan SubscribeEvent, subscribeEventBufferSize),
		startedAt:  timeutil.Now(),
		frontier:   asOf,
	}
}

func (s *activeSubscribe) connID() ConnID { return s.conn }

func (s *activeSubscribe) dependsOn(dropped repr.IDSet) bool {
	for id := range dropped {
		if s.depends.Contains(id) {
			return true
		}
	}
	return false
}

// processBatch converts one controller batch into client events. It reports
// whether the subscription is finished: the controller closed the frontier,
// the up-to bound was reached, or the batch carried an error.
func (s *activeSubscribe) processBatch(ctx context.Context, batch controller.SubscribeBatch) bool {
	if s.dropping {
		return false
	}
	if batch.Err != nil {
		s.trySend(ctx, SubscribeEvent{Err: batch.Err})
		return true
	}

	updates := batch.Updates
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].Time.Less(updates[j].Time) })

	var rows []repr.Row
	for _, u := range updates {
		if u.Time.Less(s.asOf) || (s.strictAsOf && u.Time == s.asOf) {
			continue
		}
		if s.upTo != 0 && s.upTo.LessEq(u.Time) {
			continue
		}
		row := make(repr.Row, 0, s.arity+3)
		row = append(row, repr.NumericFromTimestamp(u.Time))
		if s.progress {
			row = append(row, repr.DBool(false))
		}
		row = append(row, repr.DInt(u.Diff))
		row = append(row, u.Row...)
		rows = append(rows, row)
	}

	finished := len(batch.Upper) == 0
	if !finished && s.upTo != 0 && s.upTo.LessEq(batch.Upper[0]) {
		finished = true
	}
	if s.progress && !finished && len(batch.Upper) > 0 && s.frontier.Less(batch.Upper[0]) {
		s.frontier = batch.Upper[0]
		row := make(repr.Row, 0, s.arity+3)
		row = append(row, repr.NumericFromTimestamp(s.frontier))
		row = append(row, repr.DBool(true), repr.DNull{})
		for i := 0; i < s.arity; i++ {
			row = append(row, repr.DNull{})
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if !s.trySend(ctx, SubscribeEvent{Rows: rows}) {
			return true
		}
	}
	return finished
}

// trySend delivers one event without blocking the coordinator task. A full
// buffer means the client stopped consuming; the subscription is poisoned
// with a terminal error, which may itself be dropped if the buffer stays
// full.
func (s *activeSubscribe) trySend(ctx context.Context, ev SubscribeEvent) bool {
	select {
	case s.events <- ev:
		return true
	default:
	}
	if ev.Err == nil {
		err := errors.Newf("subscription client of connection %s too slow, dropping", s.conn)
		log.Warningf(ctx, "%v", err)
		select {
		case s.events <- SubscribeEvent{Err: err}:
		default:
		}
	}
	return false
}

func (s *activeSubscribe) drop(ctx context.Context, err error) {
	if s.dropping {
		return
	}
	s.dropping = true
	if err != nil {
		s.trySend(ctx, SubscribeEvent{Err: err})
	}
	close(s.events)
}

// activeCopyTo is a running COPY ... TO. The controller streams the result
// to the destination itself; the coordinator only holds the statement open
// until completion is reported.
type activeCopyTo struct {
	conn ConnID
	ec   *ExecuteContext
	from repr.ID
	// retired is set once the statement has been released, whether by
	// completion or teardown.
	retired bool
}

func (s *activeCopyTo) connID() ConnID { return s.conn }

func (s *activeCopyTo) dependsOn(dropped repr.IDSet) bool {
	return dropped.Contains(s.from)
}

func (s *activeCopyTo) drop(ctx context.Context, err error) {
	if s.retired {
		return
	}
	s.retired = true
	if err != nil {
		s.ec.Retire(nil, err)
		return
	}
	s.ec.Retire(&CanceledResponse{}, nil)
}

func (c *Coordinator) addConnSink(conn ConnID, id repr.ID) {
	sinks, ok := c.connSinks[conn]
	if !ok {
		sinks = make(repr.IDSet)
		c.connSinks[conn] = sinks
	}
	sinks.Add(id)
}

func (c *Coordinator) removeConnSink(conn ConnID, id repr.ID) {
	if sinks, ok := c.connSinks[conn]; ok {
		delete(sinks, id)
		if len(sinks) == 0 {
			delete(c.connSinks, conn)
		}
	}
}

// dropSink removes one sink from the registry, tears it down, and asks the
// controller to drop its transient collection. Dropping an already finished
// collection is a no-op on the controller side.
func (c *Coordinator) dropSink(ctx context.Context, id repr.ID, err error) {
	sink, ok := c.activeSinks[id]
	if !ok {
		return
	}
	delete(c.activeSinks, id)
	c.removeConnSink(sink.connID(), id)
	if _, isSub := sink.(*activeSubscribe); isSub {
		c.metrics.ActiveSubscribes.Dec(1)
	}
	sink.drop(ctx, err)
	if dropErr := c.ctrl.DropCollections(ctx, []repr.ID{id}); dropErr != nil {
		log.Warningf(ctx, "dropping sink collection %s: %v", id, dropErr)
	}
	log.VEventf(ctx, 1, "sink %s dropped", id)
}

// dropConnSinks tears down every sink owned by one connection.
func (c *Coordinator) dropConnSinks(ctx context.Context, conn ConnID, err error) {
	sinks, ok := c.connSinks[conn]
	if !ok {
		return
	}
	ids := make([]repr.ID, 0, len(sinks))
	for id := range sinks {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.dropSink(ctx, id, err)
	}
}

// handleSubscribeResponse feeds one batch to its subscription. A response
// naming an unknown sink raced with teardown and is dropped.
func (c *Coordinator) handleSubscribeResponse(ctx context.Context, r *controller.SubscribeResponse) {
	sink, ok := c.activeSinks[r.SubscriptionID]
	if !ok {
		log.VEventf(ctx, 2, "dropping batch for unknown subscription %s", r.SubscriptionID)
		return
	}
	sub, ok := sink.(*activeSubscribe)
	if !ok {
		log.Errorf(ctx, "%v", errors.AssertionFailedf("sink %s is a %T, not a subscription", r.SubscriptionID, sink))
		return
	}
	ctx = c.annotateConn(ctx, sub.conn)
	if sub.processBatch(ctx, r.Batch) {
		c.dropSink(ctx, r.SubscriptionID, nil)
	}
}

// handleCopyToResponse retires the statement waiting on a finished copy.
func (c *Coordinator) handleCopyToResponse(ctx context.Context, r *controller.CopyToResponse) {
	sink, ok := c.activeSinks[r.SinkID]
	if !ok {
		log.VEventf(ctx, 2, "dropping completion for unknown copy %s", r.SinkID)
		return
	}
	ct, ok := sink.(*activeCopyTo)
	if !ok {
		log.Errorf(ctx, "%v", errors.AssertionFailedf("sink %s is a %T, not a copy", r.SinkID, sink))
		return
	}
	ctx = c.annotateConn(ctx, ct.conn)
	ct.retired = true
	if r.Err != nil {
		c.finishSequence(ctx, ct.ec, nil, r.Err)
	} else {
		c.finishSequence(ctx, ct.ec, &CopiedResponse{RowCount: r.RowCount}, nil)
	}
	c.dropSink(ctx, r.SinkID, nil)
}
