// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package coord implements the coordinator: the single task that owns the
// catalog, sequences every statement, talks to the storage and compute
// controllers, and decides all timestamps.
//
// The coordinator is an actor. It drains one mailbox and runs each message
// handler to completion before the next; no handler blocks on external
// systems. Work that must block, such as purifying a statement against an
// upstream database or making table writes durable, runs in a spawned task
// that posts a message back when it finishes. Correctness therefore never
// depends on locks around coordinator state, only on the single-task
// discipline.
package coord

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/metric"
	"github.com/freshetdb/freshet/pkg/util/randutil"
	"github.com/freshetdb/freshet/pkg/util/stop"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/google/uuid"
)

// Config collects the coordinator's dependencies.
type Config struct {
	AmbientCtx log.AmbientContext
	Stopper    *stop.Stopper
	Catalog    *catalog.Catalog
	Controller controller.Controller
	Usage      controller.StorageUsageClient
	Secrets    controller.SecretsController
	Validator  controller.ConnectionValidator
	Planner    sql.Planner
	Purifier   sql.Purifier

	// Now supplies wall clock timestamps. Defaults to tsoracle.WallNow.
	Now tsoracle.NowFn

	// DeploymentID seeds the deterministic storage usage collection offset so
	// that restarts of the same deployment collect on the same schedule.
	DeploymentID string

	// StorageUsageInterval is the period between storage usage collections.
	// Defaults to one hour.
	StorageUsageInterval time.Duration
	// StorageUsageRetention is how long collected measurements are kept.
	// Defaults to thirty days.
	StorageUsageRetention time.Duration
	// StatementLogInterval is the period between statement history flushes.
	// Defaults to five seconds.
	StatementLogInterval time.Duration

	// Registry, if set, receives the coordinator's metrics.
	Registry *metric.Registry

	Knobs TestingKnobs
}

// TestingKnobs alter coordinator behavior in tests.
type TestingKnobs struct {
	// DisableStorageUsage stops the periodic storage usage collection chain
	// from starting.
	DisableStorageUsage bool
	// DisableStatementLogDrain stops the periodic statement history flush.
	DisableStatementLogDrain bool
	// OnMessage, if set, runs after every handled message.
	OnMessage func(kind string)
	// OnLinearizeWake, if set, observes the delay chosen before each
	// scheduled re-examination of withheld reads.
	OnLinearizeWake func(wait time.Duration)
}

func (cfg *Config) setDefaults() {
	if cfg.Now == nil {
		cfg.Now = tsoracle.WallNow
	}
	if cfg.StorageUsageInterval == 0 {
		cfg.StorageUsageInterval = time.Hour
	}
	if cfg.StorageUsageRetention == 0 {
		cfg.StorageUsageRetention = 30 * 24 * time.Hour
	}
	if cfg.StatementLogInterval == 0 {
		cfg.StatementLogInterval = 5 * time.Second
	}
}

type mailbox struct {
	mu     syncutil.Mutex
	queue  []message
	notify chan struct{}
}

func (mb *mailbox) push(m message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, m)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *mailbox) drain() []message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q := mb.queue
	mb.queue = nil
	return q
}

func (mb *mailbox) depth() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Coordinator sequences all statements and owns all coordinator state. See
// the package comment for the threading model.
type Coordinator struct {
	cfg     Config
	ambient log.AmbientContext
	stopper *stop.Stopper
	catalog *catalog.Catalog
	ctrl    controller.Controller
	metrics Metrics

	mailbox mailbox

	// storageUsageOffset shifts collection times uniformly within the
	// collection interval, derived deterministically from the deployment id.
	storageUsageOffset time.Duration

	// Everything below is owned by the serve task and must only be touched
	// from message handlers.

	sessions    map[ConnID]*Session
	connIDAlloc ConnID

	oracles map[tsoracle.Timeline]tsoracle.Oracle

	// writeLockToken holds the write lock token when no one owns the lock.
	writeLockToken        chan struct{}
	writeLockWaiterActive bool
	deferredWrites        deferredQueue

	serializedDDL []deferredStatement
	activeDDL     bool

	pendingWrites       []*pendingWrite
	groupCommitInFlight bool

	pendingLinearizeReads  map[ConnID]*PendingReadTxn
	linearizeWakeScheduled bool

	pendingPeeks map[uuid.UUID]*pendingPeek
	connPeeks    map[ConnID]map[uuid.UUID]struct{}

	activeSinks map[repr.ID]activeComputeSink
	connSinks   map[ConnID]repr.IDSet

	installedWatchSets map[controller.WatchSetID]watchSetEntry
	connWatchSets      map[ConnID]map[controller.WatchSetID]struct{}

	replicaStatuses clusterReplicaStatuses
	// transientReplicaMetadata keeps the last introspection rows written for
	// each replica's metrics. A nil entry is a tombstone for a dropped
	// replica whose late metrics must be ignored.
	transientReplicaMetadata map[controller.ReplicaID]*replicaMetadata

	// storageUsageFetchInFlight prevents overlapping collections when a
	// fetch outlasts the collection interval.
	storageUsageFetchInFlight bool
	// storageUsageRows mirrors the storage usage introspection table so
	// measurements past retention can be retracted.
	storageUsageRows []storageUsageRecord

	intro         *introspectionStore
	bufferedIntro []catalog.BuiltinTableUpdate

	pendingStatementLog []catalog.BuiltinTableUpdate
}

// New creates a Coordinator. Call Start to begin serving.
func New(cfg Config) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:     cfg,
		ambient: cfg.AmbientCtx,
		stopper: cfg.Stopper,
		catalog: cfg.Catalog,
		ctrl:    cfg.Controller,
		metrics: makeMetrics(),

		sessions:                 make(map[ConnID]*Session),
		oracles:                  make(map[tsoracle.Timeline]tsoracle.Oracle),
		writeLockToken:           make(chan struct{}, 1),
		pendingLinearizeReads:    make(map[ConnID]*PendingReadTxn),
		pendingPeeks:             make(map[uuid.UUID]*pendingPeek),
		connPeeks:                make(map[ConnID]map[uuid.UUID]struct{}),
		activeSinks:              make(map[repr.ID]activeComputeSink),
		connSinks:                make(map[ConnID]repr.IDSet),
		installedWatchSets:       make(map[controller.WatchSetID]watchSetEntry),
		connWatchSets:            make(map[ConnID]map[controller.WatchSetID]struct{}),
		replicaStatuses:          make(clusterReplicaStatuses),
		transientReplicaMetadata: make(map[controller.ReplicaID]*replicaMetadata),
		intro:                    newIntrospectionStore(),
	}
	c.ambient.AddLogTag("coord", nil)
	c.mailbox.notify = make(chan struct{}, 1)
	c.writeLockToken <- struct{}{}

	rng := randutil.NewPseudoRandWithSeed(randutil.SeedFromString(cfg.DeploymentID))
	c.storageUsageOffset = time.Duration(rng.Int63n(int64(cfg.StorageUsageInterval)))

	if cfg.Registry != nil {
		cfg.Registry.AddMetricStruct(&c.metrics)
	}
	return c
}

// Client returns a handle for starting sessions.
func (c *Coordinator) Client() *Client {
	return &Client{coord: c}
}

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *Metrics {
	return &c.metrics
}

// Start launches the serve task and the periodic drivers.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx = c.ambient.AnnotateCtx(ctx)
	if err := c.stopper.RunAsyncTask(ctx, "coord-serve", c.serve); err != nil {
		return err
	}
	if err := c.stopper.RunAsyncTask(ctx, "coord-cluster-events", c.forwardClusterEvents); err != nil {
		return err
	}
	if !c.cfg.Knobs.DisableStatementLogDrain {
		if err := c.stopper.RunAsyncTask(ctx, "coord-statement-log", c.driveStatementLog); err != nil {
			return err
		}
	}
	if !c.cfg.Knobs.DisableStorageUsage {
		c.sendMessage(msgStorageUsageSchedule{})
	}
	return nil
}

// sendMessage posts a message to the coordinator mailbox. Safe to call from
// any task. A message posted after shutdown has begun can never be handled;
// it is logged and dropped, since in-flight tasks race normal shutdown.
func (c *Coordinator) sendMessage(m message) {
	select {
	case <-c.stopper.ShouldQuiesce():
		log.Warningf(c.ambient.AnnotateCtx(context.Background()),
			"dropping %s message posted during shutdown", m.Kind())
		return
	default:
	}
	c.mailbox.push(m)
	c.metrics.MailboxDepth.Update(int64(c.mailbox.depth()))
}

// sendCommand posts a client command, failing fast during shutdown.
func (c *Coordinator) sendCommand(ctx context.Context, cmd command) error {
	select {
	case <-c.stopper.ShouldQuiesce():
		return errors.New("coordinator shutting down")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.sendMessage(msgCommand{cmd: cmd})
	return nil
}

func (c *Coordinator) serve(ctx context.Context) {
	for {
		select {
		case <-c.mailbox.notify:
			for _, m := range c.mailbox.drain() {
				c.handleMessage(ctx, m)
			}
			c.metrics.MailboxDepth.Update(int64(c.mailbox.depth()))
		case <-c.ctrl.Ready():
			c.handleMessage(ctx, msgControllerReady{})
		case <-c.stopper.ShouldQuiesce():
			return
		}
	}
}

func (c *Coordinator) forwardClusterEvents(ctx context.Context) {
	ctx, cancel := c.stopper.WithCancelOnQuiesce(ctx)
	defer cancel()
	events := c.ctrl.WatchClusterEvents(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.sendMessage(msgClusterEvent{event: ev})
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) driveStatementLog(ctx context.Context) {
	ctx, cancel := c.stopper.WithCancelOnQuiesce(ctx)
	defer cancel()
	var t timeutil.Timer
	defer t.Stop()
	for {
		t.Reset(c.cfg.StatementLogInterval)
		select {
		case <-t.C:
			t.Read = true
			c.sendMessage(msgDrainStatementLog{})
		case <-ctx.Done():
			return
		}
	}
}

// spawn runs fn on its own task. Message handlers use it for anything that
// blocks; fn communicates back by posting messages.
func (c *Coordinator) spawn(ctx context.Context, name string, fn func(context.Context)) {
	if err := c.stopper.RunAsyncTask(ctx, name, func(taskCtx context.Context) {
		taskCtx, cancel := c.stopper.WithCancelOnQuiesce(taskCtx)
		defer cancel()
		fn(taskCtx)
	}); err != nil {
		log.Warningf(ctx, "task %s not spawned: %v", name, err)
	}
}

// oracle returns the timestamp oracle of the given timeline, creating it on
// first use.
func (c *Coordinator) oracle(timeline tsoracle.Timeline) tsoracle.Oracle {
	if timeline == "" {
		timeline = tsoracle.EpochMilliseconds
	}
	if o, ok := c.oracles[timeline]; ok {
		return o
	}
	o := tsoracle.NewMemoryOracle(c.cfg.Now, c.cfg.Now())
	c.oracles[timeline] = o
	return o
}

func (c *Coordinator) broadcastNotice(n Notice) {
	for _, s := range c.sessions {
		select {
		case s.notices <- n:
		default:
			if log.V(1) {
				log.Infof(c.ambient.AnnotateCtx(context.Background()),
					"dropping notice for connection %s: channel full", s.conn)
			}
		}
	}
}

// annotateConn tags ctx with the connection a handler is acting for.
func (c *Coordinator) annotateConn(ctx context.Context, conn ConnID) context.Context {
	return logtags.AddTag(ctx, "conn", conn)
}
