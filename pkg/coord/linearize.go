// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"time"

	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// PendingReadTxn is a finished read whose result is withheld until the
// timestamp oracle's read timestamp reaches the timestamp the read was
// served at. Releasing earlier could let a client observe a write here and
// then miss it on another connection.
type PendingReadTxn struct {
	conn ConnID
	ec   *ExecuteContext
	resp *RowsResponse
	// timeline is empty for reads with no oracle component; those release
	// immediately.
	timeline tsoracle.Timeline
	readTs   repr.Timestamp
	// oracleTs is the oracle read timestamp captured when the read was
	// issued. If readTs has not moved past it, no fresh oracle call is
	// needed to release.
	oracleTs repr.Timestamp
	queuedAt time.Time
	// numRequeues counts how often the read was re-examined without being
	// released.
	numRequeues int
}

// deferLinearizeRead queues a strict serializable read for release.
func (c *Coordinator) deferLinearizeRead(ctx context.Context, p *PendingReadTxn) {
	log.VEventf(ctx, 2, "withholding read of connection %s until oracle reaches %s", p.conn, p.readTs)
	c.sendMessage(msgLinearizeReads{pending: []*PendingReadTxn{p}})
}

// handleLinearizeReads merges newly finished reads into the pending set and
// releases every read the oracle has caught up to. For the rest it schedules
// a wake at the shortest remaining wait, capped at one second so a stalled
// oracle is re-examined regularly.
func (c *Coordinator) handleLinearizeReads(ctx context.Context, pending []*PendingReadTxn) {
	c.linearizeWakeScheduled = false
	for _, p := range pending {
		c.pendingLinearizeReads[p.conn] = p
	}
	if len(c.pendingLinearizeReads) == 0 {
		c.metrics.LinearizeQueued.Update(0)
		return
	}

	now := timeutil.Now()
	var shortestWait time.Duration
	oracleTsCache := make(map[tsoracle.Timeline]repr.Timestamp)
	for conn, p := range c.pendingLinearizeReads {
		// Reads off any timeline, and reads whose timestamp never moved past
		// the oracle snapshot captured at issue time, release without a
		// fresh oracle call.
		ready := p.timeline == "" || p.readTs.LessEq(p.oracleTs)
		if !ready {
			oracleTs, ok := oracleTsCache[p.timeline]
			if !ok {
				oracleTs = c.oracle(p.timeline).ReadTs(ctx)
				oracleTsCache[p.timeline] = oracleTs
			}
			if p.readTs.LessEq(oracleTs) {
				ready = true
			} else {
				p.numRequeues++
				c.metrics.LinearizeRequeues.Inc(1)
				wait := time.Duration(p.readTs-oracleTs) * time.Millisecond
				if wait > 0 && (shortestWait == 0 || wait < shortestWait) {
					shortestWait = wait
				}
			}
		}
		if !ready {
			continue
		}
		delete(c.pendingLinearizeReads, conn)
		waited := now.Sub(p.queuedAt).Nanoseconds()
		if p.numRequeues == 0 {
			c.metrics.LinearizeWaitImmediate.RecordValue(waited)
		} else {
			c.metrics.LinearizeWaitDelayed.RecordValue(waited)
		}
		log.VEventf(ctx, 2, "read of connection %s linearized after %d requeues", conn, p.numRequeues)
		c.finishSequence(ctx, p.ec, p.resp, nil)
	}
	c.metrics.LinearizeQueued.Update(int64(len(c.pendingLinearizeReads)))
	if len(c.pendingLinearizeReads) == 0 {
		return
	}
	if shortestWait <= 0 || shortestWait > time.Second {
		shortestWait = time.Second
	}
	c.scheduleLinearizeWake(ctx, shortestWait)
}

func (c *Coordinator) scheduleLinearizeWake(ctx context.Context, wait time.Duration) {
	if c.linearizeWakeScheduled {
		return
	}
	c.linearizeWakeScheduled = true
	if hook := c.cfg.Knobs.OnLinearizeWake; hook != nil {
		hook(wait)
	}
	log.VEventf(ctx, 2, "re-examining withheld reads in %s", wait)
	c.spawn(ctx, "coord-linearize-wake", func(taskCtx context.Context) {
		var t timeutil.Timer
		defer t.Stop()
		t.Reset(wait)
		select {
		case <-t.C:
			t.Read = true
			c.sendMessage(msgLinearizeReads{})
		case <-taskCtx.Done():
		}
	})
}

// cancelLinearizeReads retires the connection's withheld read, if any.
func (c *Coordinator) cancelLinearizeReads(ctx context.Context, conn ConnID) {
	p, ok := c.pendingLinearizeReads[conn]
	if !ok {
		return
	}
	delete(c.pendingLinearizeReads, conn)
	c.metrics.LinearizeQueued.Update(int64(len(c.pendingLinearizeReads)))
	p.ec.Retire(&CanceledResponse{}, nil)
}
