// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"time"

	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// storageUsageRecord is one measurement held in the storage usage
// introspection table.
type storageUsageRecord struct {
	shard       string
	sizeBytes   uint64
	collectedAt time.Time
}

// nextStorageUsageCollection computes when the next collection runs: the
// most recent interval boundary plus the deployment's fixed offset, advanced
// by one interval if that instant already passed. Every process of a
// deployment lands on the same schedule; distinct deployments land on
// different offsets.
func nextStorageUsageCollection(now time.Time, interval, offset time.Duration) time.Time {
	next := now.Truncate(interval).Add(offset)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// handleStorageUsageSchedule arms a timer for the next collection instant.
// The chain is self-perpetuating: Schedule posts Fetch, Fetch posts Update,
// Update posts Schedule. A collection that outlasts the interval delays the
// next one instead of overlapping it.
func (c *Coordinator) handleStorageUsageSchedule(ctx context.Context) {
	now := c.cfg.Now().GoTime()
	next := nextStorageUsageCollection(now, c.cfg.StorageUsageInterval, c.storageUsageOffset)
	wait := next.Sub(now)
	log.VEventf(ctx, 2, "next storage usage collection at %s", next)
	c.spawn(ctx, "coord-storage-usage-timer", func(taskCtx context.Context) {
		var t timeutil.Timer
		defer t.Stop()
		t.Reset(wait)
		select {
		case <-t.C:
			t.Read = true
			c.sendMessage(msgStorageUsageFetch{})
		case <-taskCtx.Done():
		}
	})
}

// handleStorageUsageFetch starts one shard size scan off-task.
func (c *Coordinator) handleStorageUsageFetch(ctx context.Context) {
	if c.storageUsageFetchInFlight {
		log.Warningf(ctx, "storage usage collection still running, skipping")
		return
	}
	if c.cfg.Usage == nil {
		c.sendMessage(msgStorageUsageSchedule{})
		return
	}
	c.storageUsageFetchInFlight = true

	metas := c.ctrl.ActiveCollectionMetadatas()
	shards := make([]string, 0, 3*len(metas))
	for _, meta := range metas {
		for _, shard := range []string{meta.DataShard, meta.RemapShard, meta.StatusShard} {
			if shard != "" {
				shards = append(shards, shard)
			}
		}
	}

	c.spawn(ctx, "coord-storage-usage-fetch", func(taskCtx context.Context) {
		started := timeutil.Now()
		sizes, err := c.cfg.Usage.ShardsUsageReferenced(taskCtx, shards)
		c.metrics.StorageUsageScanDuration.RecordValue(timeutil.Since(started).Nanoseconds())
		if err != nil {
			log.Warningf(taskCtx, "storage usage scan failed: %v", err)
			sizes = nil
		}
		c.sendMessage(msgStorageUsageUpdate{sizes: sizes, collectedAt: c.cfg.Now().GoTime()})
	})
}

// handleStorageUsageUpdate records fresh measurements, retracts ones past
// retention, and schedules the next collection.
func (c *Coordinator) handleStorageUsageUpdate(ctx context.Context, m msgStorageUsageUpdate) {
	c.storageUsageFetchInFlight = false

	var updates []catalog.BuiltinTableUpdate
	for shard, size := range m.sizes {
		rec := storageUsageRecord{shard: shard, sizeBytes: size, collectedAt: m.collectedAt}
		c.storageUsageRows = append(c.storageUsageRows, rec)
		updates = append(updates, catalog.BuiltinTableUpdate{
			Table: catalog.TableStorageUsage,
			Row:   catalog.PackStorageUsageRow(rec.shard, rec.sizeBytes, rec.collectedAt),
			Diff:  1,
		})
	}

	cutoff := m.collectedAt.Add(-c.cfg.StorageUsageRetention)
	kept := c.storageUsageRows[:0]
	for _, rec := range c.storageUsageRows {
		if rec.collectedAt.Before(cutoff) {
			updates = append(updates, catalog.BuiltinTableUpdate{
				Table: catalog.TableStorageUsage,
				Row:   catalog.PackStorageUsageRow(rec.shard, rec.sizeBytes, rec.collectedAt),
				Diff:  -1,
			})
			continue
		}
		kept = append(kept, rec)
	}
	c.storageUsageRows = kept

	if len(updates) > 0 {
		c.applyIntrospectionUpdates(ctx, updates)
	}
	if m.sizes != nil {
		c.metrics.StorageUsageFetches.Inc(1)
		log.VEventf(ctx, 1, "recorded sizes of %d shards", len(m.sizes))
	}

	c.sendMessage(msgStorageUsageSchedule{})
}
