// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"time"

	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/google/uuid"
)

// pendingPeek is a point-in-time read in flight on a cluster. The uuid ties
// the eventual controller response back to the waiting statement.
type pendingPeek struct {
	uuid uuid.UUID
	ec   *ExecuteContext
	conn ConnID
	det  TimestampDetermination
	// strict marks reads from strict serializable sessions; their results
	// pass through read linearization before release.
	strict   bool
	issuedAt time.Time
}

func (c *Coordinator) registerPendingPeek(p *pendingPeek) {
	c.pendingPeeks[p.uuid] = p
	conns, ok := c.connPeeks[p.conn]
	if !ok {
		conns = make(map[uuid.UUID]struct{})
		c.connPeeks[p.conn] = conns
	}
	conns[p.uuid] = struct{}{}
	c.metrics.PendingPeeks.Update(int64(len(c.pendingPeeks)))
}

func (c *Coordinator) removePendingPeek(p *pendingPeek) {
	delete(c.pendingPeeks, p.uuid)
	if conns, ok := c.connPeeks[p.conn]; ok {
		delete(conns, p.uuid)
		if len(conns) == 0 {
			delete(c.connPeeks, p.conn)
		}
	}
	c.metrics.PendingPeeks.Update(int64(len(c.pendingPeeks)))
}

// handlePeekResponse retires the statement waiting on a finished peek.
// Responses for unknown uuids are normal: the peek may have been canceled or
// its connection terminated while the response was in flight.
func (c *Coordinator) handlePeekResponse(ctx context.Context, r *controller.PeekResponse) {
	p, ok := c.pendingPeeks[r.UUID]
	if !ok {
		log.VEventf(ctx, 2, "dropping response for unknown peek %s", r.UUID)
		return
	}
	c.removePendingPeek(p)
	ctx = c.annotateConn(ctx, p.conn)
	switch {
	case r.Canceled:
		c.finishSequence(ctx, p.ec, &CanceledResponse{}, nil)
	case r.Err != nil:
		c.finishSequence(ctx, p.ec, nil, r.Err)
	default:
		resp := &RowsResponse{Rows: r.Rows, ReadTs: p.det.ReadTs}
		if p.strict {
			c.deferLinearizeRead(ctx, &PendingReadTxn{
				conn:     p.conn,
				ec:       p.ec,
				resp:     resp,
				timeline: p.det.Timeline,
				readTs:   p.det.ReadTs,
				oracleTs: p.det.OracleReadTs,
				queuedAt: timeutil.Now(),
			})
			return
		}
		c.finishSequence(ctx, p.ec, resp, nil)
	}
}

// cancelPendingPeeks cancels every in-flight peek of one connection. The
// controller is told to stop working on each; whatever responses still
// arrive find no pending entry and are dropped.
func (c *Coordinator) cancelPendingPeeks(ctx context.Context, conn ConnID) {
	conns, ok := c.connPeeks[conn]
	if !ok {
		return
	}
	for u := range conns {
		p, ok := c.pendingPeeks[u]
		if !ok {
			continue
		}
		delete(c.pendingPeeks, u)
		c.ctrl.CancelPeek(u)
		p.ec.Retire(&CanceledResponse{}, nil)
	}
	delete(c.connPeeks, conn)
	c.metrics.PendingPeeks.Update(int64(len(c.pendingPeeks)))
	log.VEventf(ctx, 1, "canceled %d pending peeks of connection %s", len(conns), conn)
}
