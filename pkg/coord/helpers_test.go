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
	"github.com/freshetdb/freshet/pkg/util/metric"
	"github.com/freshetdb/freshet/pkg/util/stop"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testNowTs is the wall clock every test coordinator runs at. The epoch
// millisecond oracle seeds from it, so the first group commit lands at
// testNowTs+1.
const testNowTs = repr.Timestamp(1000)

func fixedNow() repr.Timestamp { return testNowTs }

type peekCall struct {
	id      repr.ID
	cluster controller.ClusterID
	ts      repr.Timestamp
	u       uuid.UUID
}

type appendCall struct {
	appends []controller.TableAppend
	writeTs repr.Timestamp
}

type collectionCall struct {
	id      repr.ID
	cluster controller.ClusterID
}

type watchSetCall struct {
	id      controller.WatchSetID
	objects []repr.ID
	ts      repr.Timestamp
}

// fakeController implements controller.Controller for tests. Tests queue
// controller responses with respond; each queued response deposits one ready
// token, and the coordinator consumes one response per Process call. Every
// call the coordinator makes is recorded for later assertion.
type fakeController struct {
	ready  chan struct{}
	events chan controller.ClusterEvent

	// peekEntered receives a copy of every Peek call as it happens, letting
	// tests wait for a peek to be issued before responding to it.
	peekEntered chan peekCall
	// appendEntered receives a token whenever Append is entered, before any
	// gate is waited on.
	appendEntered chan struct{}

	mu struct {
		syncutil.Mutex
		responses     []controller.Response
		readOnly      bool
		appendGate    chan struct{}
		appendErr     error
		failCreateOn  int
		createCalls   int
		nextWatchSet  controller.WatchSetID
		metadatas     map[repr.ID]controller.CollectionMetadata
		peeks         []peekCall
		canceledPeeks []uuid.UUID
		appends       []appendCall
		collections   []collectionCall
		dropped       []repr.ID
		watchSets     []watchSetCall
		intro         []controller.IntrospectionUpdate
	}
}

var _ controller.Controller = (*fakeController)(nil)

func newFakeController() *fakeController {
	f := &fakeController{
		ready:         make(chan struct{}, 256),
		events:        make(chan controller.ClusterEvent, 16),
		peekEntered:   make(chan peekCall, 16),
		appendEntered: make(chan struct{}, 16),
	}
	f.mu.nextWatchSet = 1
	f.mu.metadatas = make(map[repr.ID]controller.CollectionMetadata)
	return f
}

// respond queues one response for the next Process call.
func (f *fakeController) respond(r controller.Response) {
	f.mu.Lock()
	f.mu.responses = append(f.mu.responses, r)
	f.mu.Unlock()
	f.ready <- struct{}{}
}

func (f *fakeController) Ready() <-chan struct{} { return f.ready }

func (f *fakeController) Process(context.Context) (controller.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mu.responses) == 0 {
		return nil, nil
	}
	r := f.mu.responses[0]
	f.mu.responses = f.mu.responses[1:]
	return r, nil
}

func (f *fakeController) WatchClusterEvents(context.Context) <-chan controller.ClusterEvent {
	return f.events
}

func (f *fakeController) ReadOnly() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.readOnly
}

func (f *fakeController) setReadOnly(ro bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.readOnly = ro
}

// setAppendGate makes Append block until the gate channel closes. Must be
// set before the append is issued.
func (f *fakeController) setAppendGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.appendGate = gate
}

func (f *fakeController) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.appendErr = err
}

// failCreateCollection makes the nth CreateCollection call fail, counting
// from one.
func (f *fakeController) failCreateCollection(nth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.failCreateOn = nth
}

func (f *fakeController) setMetadata(id repr.ID, md controller.CollectionMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.metadatas[id] = md
}

func (f *fakeController) Append(
	ctx context.Context, appends []controller.TableAppend, writeTs repr.Timestamp,
) error {
	select {
	case f.appendEntered <- struct{}{}:
	default:
	}
	f.mu.Lock()
	gate := f.mu.appendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.appendErr != nil {
		return f.mu.appendErr
	}
	f.mu.appends = append(f.mu.appends, appendCall{appends: appends, writeTs: writeTs})
	return nil
}

func (f *fakeController) Peek(
	ctx context.Context, id repr.ID, cluster controller.ClusterID, ts repr.Timestamp, u uuid.UUID,
) error {
	call := peekCall{id: id, cluster: cluster, ts: ts, u: u}
	f.mu.Lock()
	f.mu.peeks = append(f.mu.peeks, call)
	f.mu.Unlock()
	f.peekEntered <- call
	return nil
}

func (f *fakeController) CancelPeek(u uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.canceledPeeks = append(f.mu.canceledPeeks, u)
}

func (f *fakeController) CreateCollection(
	ctx context.Context, id repr.ID, cluster controller.ClusterID,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.createCalls++
	if f.mu.failCreateOn != 0 && f.mu.createCalls == f.mu.failCreateOn {
		return errors.New("injected collection failure")
	}
	f.mu.collections = append(f.mu.collections, collectionCall{id: id, cluster: cluster})
	return nil
}

func (f *fakeController) DropCollections(ctx context.Context, ids []repr.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.dropped = append(f.mu.dropped, ids...)
	return nil
}

func (f *fakeController) InstallWatchSet(
	objects []repr.ID, ts repr.Timestamp,
) controller.WatchSetID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.mu.nextWatchSet
	f.mu.nextWatchSet++
	f.mu.watchSets = append(f.mu.watchSets, watchSetCall{
		id: id, objects: append([]repr.ID(nil), objects...), ts: ts,
	})
	return id
}

func (f *fakeController) ActiveCollectionMetadatas() map[repr.ID]controller.CollectionMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[repr.ID]controller.CollectionMetadata, len(f.mu.metadatas))
	for id, md := range f.mu.metadatas {
		out[id] = md
	}
	return out
}

func (f *fakeController) AppendIntrospection(
	ctx context.Context, updates []controller.IntrospectionUpdate,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.intro = append(f.mu.intro, updates...)
	return nil
}

func (f *fakeController) peekCalls() []peekCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peekCall(nil), f.mu.peeks...)
}

func (f *fakeController) canceledPeeks() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.mu.canceledPeeks...)
}

func (f *fakeController) appendCalls() []appendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appendCall(nil), f.mu.appends...)
}

func (f *fakeController) createdCollections() []collectionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]collectionCall(nil), f.mu.collections...)
}

func (f *fakeController) droppedCollections() []repr.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repr.ID(nil), f.mu.dropped...)
}

func (f *fakeController) watchSetCalls() []watchSetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]watchSetCall(nil), f.mu.watchSets...)
}

func (f *fakeController) introUpdates() []controller.IntrospectionUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controller.IntrospectionUpdate(nil), f.mu.intro...)
}

func (f *fakeController) introUpdatesFor(table string) []controller.IntrospectionUpdate {
	var out []controller.IntrospectionUpdate
	for _, u := range f.introUpdates() {
		if u.Table == table {
			out = append(out, u)
		}
	}
	return out
}

type fakeUsageClient struct {
	mu struct {
		syncutil.Mutex
		sizes    map[string]uint64
		requests [][]string
		err      error
	}
}

var _ controller.StorageUsageClient = (*fakeUsageClient)(nil)

func newFakeUsage() *fakeUsageClient {
	f := &fakeUsageClient{}
	f.mu.sizes = make(map[string]uint64)
	return f
}

func (f *fakeUsageClient) setSize(shard string, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.sizes[shard] = size
}

func (f *fakeUsageClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mu.requests)
}

func (f *fakeUsageClient) lastRequest() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mu.requests) == 0 {
		return nil
	}
	return append([]string(nil), f.mu.requests[len(f.mu.requests)-1]...)
}

func (f *fakeUsageClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.err = err
}

func (f *fakeUsageClient) ShardsUsageReferenced(
	ctx context.Context, shards []string,
) (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.err != nil {
		return nil, f.mu.err
	}
	f.mu.requests = append(f.mu.requests, append([]string(nil), shards...))
	out := make(map[string]uint64, len(shards))
	for _, s := range shards {
		if sz, ok := f.mu.sizes[s]; ok {
			out[s] = sz
		}
	}
	return out, nil
}

type secretOp struct {
	op string
	id repr.ID
}

type fakeSecrets struct {
	mu struct {
		syncutil.Mutex
		ops       []secretOp
		payloads  map[repr.ID][]byte
		ensureErr error
	}
}

var _ controller.SecretsController = (*fakeSecrets)(nil)

func newFakeSecrets() *fakeSecrets {
	f := &fakeSecrets{}
	f.mu.payloads = make(map[repr.ID][]byte)
	return f
}

func (f *fakeSecrets) Ensure(ctx context.Context, id repr.ID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.ensureErr != nil {
		return f.mu.ensureErr
	}
	f.mu.ops = append(f.mu.ops, secretOp{op: "ensure", id: id})
	f.mu.payloads[id] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeSecrets) Delete(ctx context.Context, id repr.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.ops = append(f.mu.ops, secretOp{op: "delete", id: id})
	delete(f.mu.payloads, id)
	return nil
}

func (f *fakeSecrets) opLog() []secretOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]secretOp(nil), f.mu.ops...)
}

type validateCall struct {
	id   repr.ID
	deps []repr.ID
}

type fakeValidator struct {
	// beforeReturn, if set, runs before each validation returns. Validation
	// runs off the coordinator task, so the hook may block.
	beforeReturn func(id repr.ID)
	mu           struct {
		syncutil.Mutex
		calls []validateCall
		err   error
	}
}

var _ controller.ConnectionValidator = (*fakeValidator)(nil)

func (f *fakeValidator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.err = err
}

func (f *fakeValidator) ValidateConnection(
	ctx context.Context, id repr.ID, dependencies []repr.ID,
) error {
	f.mu.Lock()
	f.mu.calls = append(f.mu.calls, validateCall{
		id: id, deps: append([]repr.ID(nil), dependencies...),
	})
	err := f.mu.err
	f.mu.Unlock()
	if f.beforeReturn != nil {
		f.beforeReturn(id)
	}
	return err
}

func (f *fakeValidator) callLog() []validateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]validateCall(nil), f.mu.calls...)
}

// testPlanner maps statements onto plans mechanically. Real planning lives
// outside the coordinator; these tests only need the statement-to-plan
// shapes the coordinator dispatches on.
type testPlanner struct {
	arity int
	// connectionPayload is attached to every planned connection statement.
	connectionPayload []byte
	// beforePlan, if set, runs before each Plan call. Planning runs off the
	// coordinator task, so the hook may block.
	beforePlan func(stmt sql.Statement)
}

var _ sql.Planner = (*testPlanner)(nil)

func oneDependency(deps repr.IDSet) repr.ID {
	ids := deps.Ordered()
	if len(ids) == 0 {
		return repr.InvalidID
	}
	return ids[0]
}

func (p *testPlanner) Plan(
	ctx context.Context, stmt sql.Statement,
) (sql.Plan, repr.IDSet, error) {
	if p.beforePlan != nil {
		p.beforePlan(stmt)
	}
	deps := sql.VisitDependencies(stmt)
	switch s := stmt.(type) {
	case *sql.CreateSource:
		return &sql.PlanCreateSource{Name: s.Name, InCluster: s.InCluster}, deps, nil
	case *sql.AlterSource:
		return nil, deps, nil
	case *sql.CreateTable:
		return &sql.PlanCreateTable{Name: s.Name, FromSource: s.FromSource}, deps, nil
	case *sql.CreateSink:
		return &sql.PlanCreateSink{Name: s.Name, From: s.From, InCluster: s.InCluster}, deps, nil
	case *sql.CreateView:
		return &sql.PlanCreateView{Name: s.Name}, deps, nil
	case *sql.CreateMaterializedView:
		return &sql.PlanCreateMaterializedView{Name: s.Name, InCluster: s.InCluster}, deps, nil
	case *sql.CreateIndex:
		return &sql.PlanCreateIndex{Name: s.Name, On: s.On, InCluster: s.InCluster}, deps, nil
	case *sql.CreateSecret:
		return &sql.PlanCreateSecret{Name: s.Name, Value: s.Value}, deps, nil
	case *sql.AlterSecret:
		return &sql.PlanAlterSecret{Secret: s.Secret, Value: s.Value}, deps, nil
	case *sql.CreateConnection:
		return &sql.PlanCreateConnection{
			Name: s.Name, Validate: s.Validate, Payload: p.connectionPayload,
		}, deps, nil
	case *sql.AlterConnection:
		return &sql.PlanAlterConnection{
			Connection: s.Connection, Validate: s.Validate, Payload: p.connectionPayload,
		}, deps, nil
	case *sql.Select:
		if s.CopyTo != nil {
			return &sql.PlanCopyTo{
				From: oneDependency(deps), To: s.CopyTo.To, Format: s.CopyTo.Format,
			}, deps, nil
		}
		return &sql.PlanSelect{On: oneDependency(deps)}, deps, nil
	case *sql.Subscribe:
		return &sql.PlanSubscribe{
			From: s.From, Progress: s.Progress, UpTo: s.UpTo, Arity: p.arity,
		}, deps, nil
	case *sql.ExplainTimestamp:
		return &sql.PlanExplainTimestamp{Of: oneDependency(deps)}, deps, nil
	case *sql.Insert:
		return &sql.PlanInsert{Table: s.Table, Rows: s.Rows}, deps, nil
	case *sql.AlterCluster:
		return &sql.PlanAlterCluster{
			Cluster:      s.Cluster,
			AddReplicas:  s.AddReplicas,
			DropReplicas: s.DropReplicas,
			WaitReady:    s.WaitReady,
		}, deps, nil
	case *sql.Drop:
		return &sql.PlanDrop{IDs: s.IDs}, deps, nil
	default:
		return nil, nil, errors.AssertionFailedf("no test plan for %T", stmt)
	}
}

// testPurifier returns statements unchanged, recording each call. Tests
// exercising subsource discovery or replanning configure it further.
type testPurifier struct {
	mu struct {
		syncutil.Mutex
		calls int
	}
	// beforeReturn, if set, runs before each Purify returns. Purification
	// runs off the coordinator task, so the hook may block.
	beforeReturn func(stmt sql.Statement)
	// subsources are attached to every purified CREATE SOURCE.
	subsources []*sql.CreateSource
}

var _ sql.Purifier = (*testPurifier)(nil)

func (p *testPurifier) Purify(ctx context.Context, stmt sql.Statement) (sql.Purified, error) {
	p.mu.Lock()
	p.mu.calls++
	p.mu.Unlock()
	if p.beforeReturn != nil {
		p.beforeReturn(stmt)
	}
	switch s := stmt.(type) {
	case *sql.CreateSource:
		return &sql.PurifiedCreateSource{Stmt: s, Subsources: p.subsources}, nil
	case *sql.AlterSource:
		return &sql.PurifiedAlterSource{Stmt: s}, nil
	case *sql.CreateSink:
		return &sql.PurifiedCreateSink{Stmt: s}, nil
	case *sql.CreateTable:
		return &sql.PurifiedCreateTableFromSource{Stmt: s}, nil
	default:
		return nil, errors.AssertionFailedf("cannot purify %T", stmt)
	}
}

func (p *testPurifier) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.calls
}

// testCoord bundles a coordinator with the fakes it runs against.
type testCoord struct {
	stopper   *stop.Stopper
	catalog   *catalog.Catalog
	ctrl      *fakeController
	usage     *fakeUsageClient
	secrets   *fakeSecrets
	validator *fakeValidator
	planner   *testPlanner
	purifier  *testPurifier
	registry  *metric.Registry
	coord     *Coordinator
	client    *Client
}

// newTestCoord builds a coordinator without starting it. White box tests
// drive its handlers directly from the test goroutine.
func newTestCoord(t *testing.T, opts ...func(*Config)) *testCoord {
	t.Helper()
	tc := &testCoord{
		stopper:   stop.NewStopper(),
		catalog:   catalog.New(),
		ctrl:      newFakeController(),
		usage:     newFakeUsage(),
		secrets:   newFakeSecrets(),
		validator: &fakeValidator{},
		registry:  metric.NewRegistry(),
	}
	tc.planner = &testPlanner{arity: 1}
	tc.purifier = &testPurifier{}
	cfg := Config{
		Stopper:      tc.stopper,
		Catalog:      tc.catalog,
		Controller:   tc.ctrl,
		Usage:        tc.usage,
		Secrets:      tc.secrets,
		Validator:    tc.validator,
		Planner:      tc.planner,
		Purifier:     tc.purifier,
		Now:          fixedNow,
		DeploymentID: "test-deployment",
		Registry:     tc.registry,
		Knobs: TestingKnobs{
			DisableStorageUsage:      true,
			DisableStatementLogDrain: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	tc.coord = New(cfg)
	tc.client = tc.coord.Client()
	return tc
}

// startTestCoord builds and starts a coordinator.
func startTestCoord(ctx context.Context, t *testing.T, opts ...func(*Config)) *testCoord {
	t.Helper()
	tc := newTestCoord(t, opts...)
	require.NoError(t, tc.coord.Start(ctx))
	return tc
}

func (tc *testCoord) createObject(t *testing.T, e catalog.Entry) repr.ID {
	t.Helper()
	res, err := tc.catalog.Transact(catalog.CreateObject{Entry: e})
	require.NoError(t, err)
	return res.Created[0]
}

func (tc *testCoord) createTable(t *testing.T, name string) repr.ID {
	return tc.createObject(t, catalog.Entry{Name: name, Kind: catalog.KindTable})
}

func (tc *testCoord) createView(t *testing.T, name string, deps ...repr.ID) repr.ID {
	return tc.createObject(t, catalog.Entry{Name: name, Kind: catalog.KindView, DependsOn: deps})
}

func (tc *testCoord) createCluster(t *testing.T, name string) controller.ClusterID {
	t.Helper()
	res, err := tc.catalog.Transact(catalog.CreateCluster{Name: name})
	require.NoError(t, err)
	return res.CreatedClusters[0]
}

func (tc *testCoord) createReplica(
	t *testing.T, cluster controller.ClusterID, name string, processes int,
) controller.ReplicaID {
	t.Helper()
	res, err := tc.catalog.Transact(catalog.CreateReplica{
		Cluster: cluster, Name: name, Processes: processes,
	})
	require.NoError(t, err)
	return res.CreatedReplicas[0]
}

func (tc *testCoord) session(
	ctx context.Context, t *testing.T, opts ...SessionOption,
) *SessionClient {
	t.Helper()
	sc, err := tc.client.Startup(ctx, "tester", opts...)
	require.NoError(t, err)
	return sc
}

type asyncResult struct {
	resp ExecuteResponse
	err  error
}

// executeAsync runs stmt on its own goroutine and delivers the result on the
// returned channel.
func executeAsync(ctx context.Context, sc *SessionClient, stmt sql.Statement) <-chan asyncResult {
	ch := make(chan asyncResult, 1)
	go func() {
		resp, err := sc.Execute(ctx, stmt)
		ch <- asyncResult{resp: resp, err: err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for statement result")
		return asyncResult{}
	}
}

// noResultYet asserts the statement has not finished.
func noResultYet(t *testing.T, ch <-chan asyncResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("statement finished early: %+v, %v", r.resp, r.err)
	default:
	}
}

// drainMailbox drains an unstarted coordinator's mailbox until a message
// matches, failing the test on timeout. Only valid while the serve task is
// not running.
func drainMailbox(t *testing.T, c *Coordinator, want func(message) bool) message {
	t.Helper()
	deadline := timeutil.Now().Add(10 * time.Second)
	for timeutil.Now().Before(deadline) {
		for _, m := range c.mailbox.drain() {
			if want(m) {
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected message never arrived")
	return nil
}

func waitPeek(t *testing.T, ctrl *fakeController) peekCall {
	t.Helper()
	select {
	case call := <-ctrl.peekEntered:
		return call
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for a peek")
		return peekCall{}
	}
}

func waitNotice(t *testing.T, sc *SessionClient) Notice {
	t.Helper()
	select {
	case n := <-sc.Notices():
		return n
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for a notice")
		return Notice{}
	}
}

// rowUpdate builds a single-column integer row update.
func rowUpdate(v int64, diff int64) repr.RowUpdate {
	return repr.RowUpdate{Row: repr.Row{repr.DInt(v)}, Diff: repr.Diff(diff)}
}
