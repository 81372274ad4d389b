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
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/google/btree"
)

const introStoreDegree = 16

// introRow is one consolidated row of an introspection table, ordered by
// (table, row text).
type introRow struct {
	table catalog.BuiltinTable
	key   string
	row   repr.Row
	count repr.Diff
}

// Less implements the btree.Item interface.
func (a *introRow) Less(b btree.Item) bool {
	o := b.(*introRow)
	if a.table != o.table {
		return a.table < o.table
	}
	return a.key < o.key
}

// introspectionStore is the coordinator's consolidated mirror of the
// introspection tables. Diffs of the same row collapse into a count; a row
// whose count reaches zero disappears.
type introspectionStore struct {
	t *btree.BTree
}

func newIntrospectionStore() *introspectionStore {
	return &introspectionStore{t: btree.New(introStoreDegree)}
}

func (s *introspectionStore) apply(updates []catalog.BuiltinTableUpdate) {
	for _, u := range updates {
		probe := &introRow{table: u.Table, key: u.Row.String()}
		if item := s.t.Get(probe); item != nil {
			r := item.(*introRow)
			r.count += u.Diff
			if r.count <= 0 {
				s.t.Delete(probe)
			}
			continue
		}
		if u.Diff <= 0 {
			continue
		}
		probe.row = u.Row
		probe.count = u.Diff
		s.t.ReplaceOrInsert(probe)
	}
}

// snapshot returns the table's current rows in storage order.
func (s *introspectionStore) snapshot(table catalog.BuiltinTable) []repr.RowUpdate {
	var out []repr.RowUpdate
	from := &introRow{table: table}
	to := &introRow{table: table + 1}
	s.t.AscendRange(from, to, func(item btree.Item) bool {
		r := item.(*introRow)
		out = append(out, repr.RowUpdate{Row: r.row, Diff: r.count})
		return true
	})
	return out
}

func (s *introspectionStore) len() int { return s.t.Len() }

// applyIntrospectionUpdates folds diffs into the local mirror and forwards
// them to the controller's system relations. While the controller is in
// read-only mode the diffs are buffered; the first write after leaving
// read-only mode flushes the buffer in arrival order.
func (c *Coordinator) applyIntrospectionUpdates(ctx context.Context, updates []catalog.BuiltinTableUpdate) {
	if len(updates) == 0 {
		return
	}
	if c.ctrl.ReadOnly() {
		c.bufferedIntro = append(c.bufferedIntro, updates...)
		log.VEventf(ctx, 2, "buffered %d introspection updates in read-only mode", len(updates))
		return
	}
	if len(c.bufferedIntro) > 0 {
		buffered := c.bufferedIntro
		c.bufferedIntro = nil
		log.Infof(ctx, "flushing %d buffered introspection updates", len(buffered))
		c.applyIntrospectionBatch(ctx, buffered)
	}
	c.applyIntrospectionBatch(ctx, updates)
}

func (c *Coordinator) applyIntrospectionBatch(ctx context.Context, updates []catalog.BuiltinTableUpdate) {
	c.intro.apply(updates)
	forwarded := make([]controller.IntrospectionUpdate, len(updates))
	for i, u := range updates {
		forwarded[i] = controller.IntrospectionUpdate{Table: u.Table.String(), Row: u.Row, Diff: u.Diff}
	}
	if err := c.ctrl.AppendIntrospection(ctx, forwarded); err != nil {
		log.Warningf(ctx, "appending %d introspection updates: %v", len(forwarded), err)
	}
}
