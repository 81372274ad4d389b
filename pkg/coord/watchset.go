// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/util/log"
)

// watchSetEntry is a statement parked until the controller reports that
// every watched object caught up. resp is what the statement retires with
// when that happens.
type watchSetEntry struct {
	conn ConnID
	ec   *ExecuteContext
	resp ExecuteResponse
}

// registerWatchSet parks a suspended statement on a controller watch set.
func (c *Coordinator) registerWatchSet(
	ctx context.Context, ws controller.WatchSetID, ec *ExecuteContext, resp ExecuteResponse,
) {
	c.installedWatchSets[ws] = watchSetEntry{conn: ec.conn, ec: ec, resp: resp}
	conns, ok := c.connWatchSets[ec.conn]
	if !ok {
		conns = make(map[controller.WatchSetID]struct{})
		c.connWatchSets[ec.conn] = conns
	}
	conns[ws] = struct{}{}
	c.metrics.WatchSetsActive.Inc(1)
	log.VEventf(ctx, 2, "statement %s parked on watch set %s", ec.stmtID, ws)
}

func (c *Coordinator) removeWatchSet(ws controller.WatchSetID, conn ConnID) {
	delete(c.installedWatchSets, ws)
	if conns, ok := c.connWatchSets[conn]; ok {
		delete(conns, ws)
		if len(conns) == 0 {
			delete(c.connWatchSets, conn)
		}
	}
	c.metrics.WatchSetsActive.Dec(1)
}

// handleWatchSetFinished retires every statement parked on the finished
// sets. Ids without an entry raced with connection teardown and are
// skipped. An entry naming a connection with no session means the teardown
// bookkeeping is corrupted; the statement is still retired.
func (c *Coordinator) handleWatchSetFinished(ctx context.Context, ids []controller.WatchSetID) {
	for _, ws := range ids {
		entry, ok := c.installedWatchSets[ws]
		if !ok {
			log.VEventf(ctx, 2, "watch set %s already uninstalled", ws)
			continue
		}
		if _, ok := c.sessions[entry.conn]; !ok {
			log.Errorf(ctx, "%v", errors.AssertionFailedf(
				"watch set %s names connection %s with no session", ws, entry.conn))
		}
		c.removeWatchSet(ws, entry.conn)
		ctx := c.annotateConn(ctx, entry.conn)
		log.VEventf(ctx, 1, "watch set %s finished, releasing statement %s", ws, entry.ec.stmtID)
		c.finishSequence(ctx, entry.ec, entry.resp, nil)
	}
}

// uninstallConnWatchSets cancels every statement the connection parked on a
// watch set. The controller keeps watching; later completions find no entry
// and are dropped.
func (c *Coordinator) uninstallConnWatchSets(ctx context.Context, conn ConnID) {
	conns, ok := c.connWatchSets[conn]
	if !ok {
		return
	}
	for ws := range conns {
		entry, ok := c.installedWatchSets[ws]
		if !ok {
			continue
		}
		delete(c.installedWatchSets, ws)
		c.metrics.WatchSetsActive.Dec(1)
		c.finishSequence(ctx, entry.ec, &CanceledResponse{}, nil)
	}
	delete(c.connWatchSets, conn)
}
