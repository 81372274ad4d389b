// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, events <-chan SubscribeEvent) SubscribeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(15 * time.Second):
		t.Fatal("no subscribe event")
		return SubscribeEvent{}
	}
}

func waitEventsClosed(t *testing.T, events <-chan SubscribeEvent) {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.False(t, ok, "expected closed channel, got event %+v", ev)
	case <-time.After(15 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	resp, err := sc.Execute(ctx, &sql.Subscribe{From: view})
	require.NoError(t, err)
	events := resp.(*SubscribingResponse).Events
	require.Equal(t, int64(1), tc.coord.Metrics().ActiveSubscribes.Value())

	cols := tc.ctrl.createdCollections()
	require.Len(t, cols, 1)
	subID := cols[0].id

	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch: controller.SubscribeBatch{
			Lower:   []repr.Timestamp{1000},
			Upper:   []repr.Timestamp{1001},
			Updates: []controller.SubscribeUpdate{{Time: 1000, Row: repr.Row{repr.DString("x")}, Diff: 1}},
		},
	})
	ev := waitEvent(t, events)
	require.NoError(t, ev.Err)
	require.Equal(t, []repr.Row{{repr.NumericFromTimestamp(1000), repr.DInt(1), repr.DString("x")}}, ev.Rows)

	// An empty upper closes the subscription.
	tc.ctrl.respond(&controller.SubscribeResponse{SubscriptionID: subID})
	waitEventsClosed(t, events)
	require.Equal(t, int64(0), tc.coord.Metrics().ActiveSubscribes.Value())

	// A batch for the now-unknown sink is dropped without harm.
	tc.ctrl.respond(&controller.SubscribeResponse{SubscriptionID: subID})
	_, err = sc.Execute(ctx, &sql.ExplainTimestamp{Raw: "EXPLAIN", References: []repr.ID{view}})
	require.NoError(t, err)
	require.Equal(t, []repr.ID{subID}, tc.ctrl.droppedCollections())
}

func TestSubscribeProgress(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	tc.planner.arity = 1
	sc := tc.session(ctx, t)

	resp, err := sc.Execute(ctx, &sql.Subscribe{From: view, Progress: true})
	require.NoError(t, err)
	events := resp.(*SubscribingResponse).Events
	subID := tc.ctrl.createdCollections()[0].id

	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch: controller.SubscribeBatch{
			Upper:   []repr.Timestamp{1005},
			Updates: []controller.SubscribeUpdate{{Time: 1004, Row: repr.Row{repr.DInt(5)}, Diff: 2}},
		},
	})
	ev := waitEvent(t, events)
	require.Equal(t, []repr.Row{
		{repr.NumericFromTimestamp(1004), repr.DBool(false), repr.DInt(2), repr.DInt(5)},
		{repr.NumericFromTimestamp(1005), repr.DBool(true), repr.DNull{}, repr.DNull{}},
	}, ev.Rows)

	// A batch that does not advance the frontier produces nothing; the next
	// advance produces a progress row alone.
	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch:          controller.SubscribeBatch{Upper: []repr.Timestamp{1005}},
	})
	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch:          controller.SubscribeBatch{Upper: []repr.Timestamp{1006}},
	})
	ev = waitEvent(t, events)
	require.Equal(t, []repr.Row{
		{repr.NumericFromTimestamp(1006), repr.DBool(true), repr.DNull{}, repr.DNull{}},
	}, ev.Rows)
}

func TestSubscribeUpTo(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	resp, err := sc.Execute(ctx, &sql.Subscribe{From: view, UpTo: 1005})
	require.NoError(t, err)
	events := resp.(*SubscribingResponse).Events
	subID := tc.ctrl.createdCollections()[0].id

	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch: controller.SubscribeBatch{
			Upper: []repr.Timestamp{1010},
			Updates: []controller.SubscribeUpdate{
				{Time: 1004, Row: repr.Row{repr.DInt(40)}, Diff: 1},
				{Time: 1005, Row: repr.Row{repr.DInt(50)}, Diff: 1},
				{Time: 1006, Row: repr.Row{repr.DInt(60)}, Diff: 1},
			},
		},
	})
	ev := waitEvent(t, events)
	require.Equal(t, []repr.Row{{repr.NumericFromTimestamp(1004), repr.DInt(1), repr.DInt(40)}}, ev.Rows)

	// The frontier passed the bound, so the subscription is complete.
	waitEventsClosed(t, events)
	require.Eventually(t, func() bool {
		return len(tc.ctrl.droppedCollections()) == 1
	}, 15*time.Second, time.Millisecond)
}

func TestSubscribeDroppedRelation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	resp, err := sc.Execute(ctx, &sql.Subscribe{From: view})
	require.NoError(t, err)
	events := resp.(*SubscribingResponse).Events
	subID := tc.ctrl.createdCollections()[0].id

	resp, err = sc.Execute(ctx, &sql.Drop{IDs: []repr.ID{view}})
	require.NoError(t, err)
	require.Equal(t, []repr.ID{view}, resp.(*DroppedResponse).IDs)

	ev := waitEvent(t, events)
	require.ErrorContains(t, ev.Err, "underlying relation was dropped")
	waitEventsClosed(t, events)

	require.Equal(t, []repr.ID{subID, view}, tc.ctrl.droppedCollections())
	require.Equal(t, int64(0), tc.coord.Metrics().ActiveSubscribes.Value())
}

func TestSubscribeBatchError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	resp, err := sc.Execute(ctx, &sql.Subscribe{From: view})
	require.NoError(t, err)
	events := resp.(*SubscribingResponse).Events
	subID := tc.ctrl.createdCollections()[0].id

	tc.ctrl.respond(&controller.SubscribeResponse{
		SubscriptionID: subID,
		Batch:          controller.SubscribeBatch{Err: errors.New("replica died")},
	})
	ev := waitEvent(t, events)
	require.ErrorContains(t, ev.Err, "replica died")
	waitEventsClosed(t, events)
}

func TestCopyTo(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	res := executeAsync(ctx, sc, &sql.Select{
		Raw:        "COPY (SELECT * FROM v) TO 's3://out'",
		References: []repr.ID{view},
		CopyTo:     &sql.CopyToOutput{To: "s3://out", Format: "csv"},
	})
	require.Eventually(t, func() bool {
		return len(tc.ctrl.createdCollections()) == 1
	}, 15*time.Second, time.Millisecond)
	sinkID := tc.ctrl.createdCollections()[0].id
	noResultYet(t, res)

	tc.ctrl.respond(&controller.CopyToResponse{SinkID: sinkID, RowCount: 42})
	r := waitResult(t, res)
	require.NoError(t, r.err)
	require.Equal(t, uint64(42), r.resp.(*CopiedResponse).RowCount)
	require.Eventually(t, func() bool {
		return len(tc.ctrl.droppedCollections()) == 1
	}, 15*time.Second, time.Millisecond)
}

func TestCopyToCancel(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	view := tc.createView(t, "v")
	sc := tc.session(ctx, t)

	res := executeAsync(ctx, sc, &sql.Select{
		Raw:        "COPY (SELECT * FROM v) TO 's3://out'",
		References: []repr.ID{view},
		CopyTo:     &sql.CopyToOutput{To: "s3://out"},
	})
	require.Eventually(t, func() bool {
		return len(tc.ctrl.createdCollections()) == 1
	}, 15*time.Second, time.Millisecond)
	sinkID := tc.ctrl.createdCollections()[0].id

	require.NoError(t, sc.Cancel(ctx))
	r := waitResult(t, res)
	require.ErrorContains(t, r.err, "canceled")

	// A late completion for the canceled copy is dropped.
	tc.ctrl.respond(&controller.CopyToResponse{SinkID: sinkID, RowCount: 42})
	_, err := sc.Execute(ctx, &sql.ExplainTimestamp{Raw: "EXPLAIN", References: []repr.ID{view}})
	require.NoError(t, err)
	require.Equal(t, []repr.ID{sinkID}, tc.ctrl.droppedCollections())
}

func TestCopyToRejectsUnreadableObject(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	tc := startTestCoord(ctx, t)
	defer tc.stopper.Stop(ctx)

	secret := tc.createObject(t, catalog.Entry{Name: "s", Kind: catalog.KindSecret})
	sc := tc.session(ctx, t)

	_, err := sc.Execute(ctx, &sql.Select{
		Raw:        "COPY (SELECT * FROM s) TO 's3://out'",
		References: []repr.ID{secret},
		CopyTo:     &sql.CopyToOutput{To: "s3://out"},
	})
	require.ErrorContains(t, err, "cannot serve reads")
}

// Unit coverage for batch conversion.

func newTestSubscribe(plan *sql.PlanSubscribe, asOf repr.Timestamp) *activeSubscribe {
	deps := make(repr.IDSet)
	deps.Add(plan.From)
	return newActiveSubscribe("tester", 1, plan, deps, asOf)
}

func TestProcessBatchFiltersAndSorts(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7, Arity: 1}, 1000)
	finished := sub.processBatch(ctx, controller.SubscribeBatch{
		Upper: []repr.Timestamp{1004},
		Updates: []controller.SubscribeUpdate{
			{Time: 1003, Row: repr.Row{repr.DInt(3)}, Diff: 1},
			{Time: 999, Row: repr.Row{repr.DInt(9)}, Diff: 1},
			{Time: 1000, Row: repr.Row{repr.DInt(0)}, Diff: -1},
			{Time: 1001, Row: repr.Row{repr.DInt(1)}, Diff: 1},
		},
	})
	require.False(t, finished)

	ev := <-sub.events
	require.Equal(t, []repr.Row{
		{repr.NumericFromTimestamp(1000), repr.DInt(-1), repr.DInt(0)},
		{repr.NumericFromTimestamp(1001), repr.DInt(1), repr.DInt(1)},
		{repr.NumericFromTimestamp(1003), repr.DInt(1), repr.DInt(3)},
	}, ev.Rows)
}

func TestProcessBatchStrictAsOf(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7, StrictAsOf: true}, 1000)
	finished := sub.processBatch(ctx, controller.SubscribeBatch{
		Upper: []repr.Timestamp{1002},
		Updates: []controller.SubscribeUpdate{
			{Time: 1000, Row: repr.Row{repr.DInt(0)}, Diff: 1},
			{Time: 1001, Row: repr.Row{repr.DInt(1)}, Diff: 1},
		},
	})
	require.False(t, finished)

	ev := <-sub.events
	require.Equal(t, []repr.Row{{repr.NumericFromTimestamp(1001), repr.DInt(1), repr.DInt(1)}}, ev.Rows)
}

func TestProcessBatchFinished(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	// An empty upper finishes the subscription.
	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7}, 1000)
	require.True(t, sub.processBatch(ctx, controller.SubscribeBatch{}))
	require.Empty(t, sub.events)

	// So does an upper at or past the up-to bound, with in-bound updates
	// still delivered.
	sub = newTestSubscribe(&sql.PlanSubscribe{From: 7, UpTo: 1005}, 1000)
	require.True(t, sub.processBatch(ctx, controller.SubscribeBatch{
		Upper: []repr.Timestamp{1005},
		Updates: []controller.SubscribeUpdate{
			{Time: 1004, Row: repr.Row{repr.DInt(4)}, Diff: 1},
			{Time: 1005, Row: repr.Row{repr.DInt(5)}, Diff: 1},
		},
	}))
	ev := <-sub.events
	require.Equal(t, []repr.Row{{repr.NumericFromTimestamp(1004), repr.DInt(1), repr.DInt(4)}}, ev.Rows)
}

func TestProcessBatchProgressFrontier(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7, Progress: true}, 1000)
	require.False(t, sub.processBatch(ctx, controller.SubscribeBatch{Upper: []repr.Timestamp{1002}}))
	ev := <-sub.events
	require.Equal(t, []repr.Row{{repr.NumericFromTimestamp(1002), repr.DBool(true), repr.DNull{}}}, ev.Rows)

	// Neither a repeat nor a regression of the frontier reports progress.
	require.False(t, sub.processBatch(ctx, controller.SubscribeBatch{Upper: []repr.Timestamp{1002}}))
	require.False(t, sub.processBatch(ctx, controller.SubscribeBatch{Upper: []repr.Timestamp{1001}}))
	require.Empty(t, sub.events)
}

func TestProcessBatchAfterDropIsIgnored(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7}, 1000)
	sub.drop(ctx, errors.New("torn down"))
	ev := <-sub.events
	require.ErrorContains(t, ev.Err, "torn down")
	_, open := <-sub.events
	require.False(t, open)

	// Late batches must not touch the closed channel.
	require.False(t, sub.processBatch(ctx, controller.SubscribeBatch{
		Upper:   []repr.Timestamp{1002},
		Updates: []controller.SubscribeUpdate{{Time: 1001, Row: repr.Row{repr.DInt(1)}, Diff: 1}},
	}))
	sub.drop(ctx, errors.New("again"))
}

func TestProcessBatchSlowClient(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	sub := newTestSubscribe(&sql.PlanSubscribe{From: 7}, 1000)
	for i := 0; i < subscribeEventBufferSize; i++ {
		sub.events <- SubscribeEvent{}
	}
	require.False(t, sub.trySend(ctx, SubscribeEvent{Rows: []repr.Row{{repr.DInt(1)}}}))

	// A full buffer finishes the subscription instead of blocking.
	require.True(t, sub.processBatch(ctx, controller.SubscribeBatch{
		Upper:   []repr.Timestamp{1002},
		Updates: []controller.SubscribeUpdate{{Time: 1001, Row: repr.Row{repr.DInt(1)}, Diff: 1}},
	}))
	require.Len(t, sub.events, subscribeEventBufferSize)
}
