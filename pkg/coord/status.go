// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"time"

	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/util/log"
)

// processStatusEntry is the last known status of one replica process.
type processStatusEntry struct {
	status controller.ProcessStatus
	at     time.Time
}

// clusterReplicaStatuses mirrors the replica status introspection table.
// Every mutation of this map must produce the matching retract/insert pair
// so the table and the map never drift apart.
type clusterReplicaStatuses map[controller.ClusterID]map[controller.ReplicaID]map[controller.ProcessID]processStatusEntry

func (s clusterReplicaStatuses) get(
	cluster controller.ClusterID, replica controller.ReplicaID,
) map[controller.ProcessID]processStatusEntry {
	replicas, ok := s[cluster]
	if !ok {
		return nil
	}
	return replicas[replica]
}

func (s clusterReplicaStatuses) set(
	cluster controller.ClusterID, replica controller.ReplicaID, process controller.ProcessID, e processStatusEntry,
) {
	replicas, ok := s[cluster]
	if !ok {
		replicas = make(map[controller.ReplicaID]map[controller.ProcessID]processStatusEntry)
		s[cluster] = replicas
	}
	processes, ok := replicas[replica]
	if !ok {
		processes = make(map[controller.ProcessID]processStatusEntry)
		replicas[replica] = processes
	}
	processes[process] = e
}

func (s clusterReplicaStatuses) remove(cluster controller.ClusterID, replica controller.ReplicaID) {
	replicas, ok := s[cluster]
	if !ok {
		return
	}
	delete(replicas, replica)
	if len(replicas) == 0 {
		delete(s, cluster)
	}
}

// aggregateReady reports the user-visible status of one replica: ready only
// when every process is ready.
func aggregateReady(processes map[controller.ProcessID]processStatusEntry) bool {
	if len(processes) == 0 {
		return false
	}
	for _, e := range processes {
		if e.status.State != controller.Ready {
			return false
		}
	}
	return true
}

// seedReplicaStatuses records a fresh replica's processes as not ready and
// inserts their introspection rows. Provisioning hardware takes a while; the
// first real statuses arrive later as cluster events.
func (c *Coordinator) seedReplicaStatuses(
	ctx context.Context, cluster controller.ClusterID, replica controller.ReplicaID, processes int,
) {
	now := c.cfg.Now().GoTime()
	updates := make([]catalog.BuiltinTableUpdate, 0, processes)
	for i := 0; i < processes; i++ {
		pid := controller.ProcessID(i)
		e := processStatusEntry{status: controller.ProcessStatus{State: controller.NotReady}, at: now}
		c.replicaStatuses.set(cluster, replica, pid, e)
		updates = append(updates, catalog.BuiltinTableUpdate{
			Table: catalog.TableClusterReplicaStatuses,
			Row:   catalog.PackReplicaStatusRow(replica, pid, e.status, e.at),
			Diff:  1,
		})
	}
	c.applyIntrospectionUpdates(ctx, updates)
	log.VEventf(ctx, 1, "seeded %d process statuses for replica %s of cluster %s", processes, replica, cluster)
}

// handleClusterEvent folds one replica process status transition into the
// status table. An unchanged status is a no-op. A changed status retracts
// the old introspection row and inserts the new one as one batch, and
// notifies sessions when the replica's aggregate status flipped.
func (c *Coordinator) handleClusterEvent(ctx context.Context, ev controller.ClusterEvent) {
	if !c.catalog.HasReplica(ev.Cluster, ev.Replica) {
		log.VEventf(ctx, 2, "dropping status for unknown replica %s of cluster %s", ev.Replica, ev.Cluster)
		return
	}
	processes := c.replicaStatuses.get(ev.Cluster, ev.Replica)
	old, known := processes[ev.Process]
	if known && old.status == ev.Status {
		return
	}

	wasReady := aggregateReady(processes)
	var updates []catalog.BuiltinTableUpdate
	if known {
		updates = append(updates, catalog.BuiltinTableUpdate{
			Table: catalog.TableClusterReplicaStatuses,
			Row:   catalog.PackReplicaStatusRow(ev.Replica, ev.Process, old.status, old.at),
			Diff:  -1,
		})
	}
	e := processStatusEntry{status: ev.Status, at: ev.At}
	c.replicaStatuses.set(ev.Cluster, ev.Replica, ev.Process, e)
	updates = append(updates, catalog.BuiltinTableUpdate{
		Table: catalog.TableClusterReplicaStatuses,
		Row:   catalog.PackReplicaStatusRow(ev.Replica, ev.Process, e.status, e.at),
		Diff:  1,
	})
	c.applyIntrospectionUpdates(ctx, updates)
	log.VEventf(ctx, 1, "replica %s of cluster %s process %s is now %s",
		ev.Replica, ev.Cluster, ev.Process, ev.Status.State)

	nowReady := aggregateReady(c.replicaStatuses.get(ev.Cluster, ev.Replica))
	if wasReady != nowReady {
		state := "not ready"
		if nowReady {
			state = "ready"
		}
		c.broadcastNotice(Notice{
			Message: "replica " + ev.Replica.String() + " of cluster " + ev.Cluster.String() + " is now " + state,
		})
	}
}

// replicaMetadata is the last introspection state written for one replica's
// metrics. Diffing fresh metrics against it yields the retract/insert pairs.
type replicaMetadata struct {
	metrics []controller.ProcessMetrics
}

// handleReplicaMetrics replaces a replica's metrics rows with freshly
// reported ones. Metrics for a tombstoned replica lost the race with its
// drop and are discarded.
func (c *Coordinator) handleReplicaMetrics(ctx context.Context, r *controller.ComputeReplicaMetrics) {
	meta, known := c.transientReplicaMetadata[r.Replica]
	if known && meta == nil {
		log.VEventf(ctx, 2, "dropping metrics for dropped replica %s", r.Replica)
		return
	}
	var updates []catalog.BuiltinTableUpdate
	if known {
		for i, m := range meta.metrics {
			updates = append(updates, catalog.BuiltinTableUpdate{
				Table: catalog.TableClusterReplicaMetrics,
				Row:   catalog.PackReplicaMetricsRow(r.Replica, controller.ProcessID(i), m),
				Diff:  -1,
			})
		}
	}
	for i, m := range r.Processes {
		updates = append(updates, catalog.BuiltinTableUpdate{
			Table: catalog.TableClusterReplicaMetrics,
			Row:   catalog.PackReplicaMetricsRow(r.Replica, controller.ProcessID(i), m),
			Diff:  1,
		})
	}
	c.transientReplicaMetadata[r.Replica] = &replicaMetadata{metrics: r.Processes}
	c.applyIntrospectionUpdates(ctx, updates)
}

// dropReplicaSideEffects retracts the status and metrics rows of dropped
// replicas and tombstones their metadata so late metrics reports are
// ignored.
func (c *Coordinator) dropReplicaSideEffects(ctx context.Context, dropped []catalog.DroppedReplica) {
	var updates []catalog.BuiltinTableUpdate
	for _, d := range dropped {
		for pid, e := range c.replicaStatuses.get(d.Cluster, d.Replica) {
			updates = append(updates, catalog.BuiltinTableUpdate{
				Table: catalog.TableClusterReplicaStatuses,
				Row:   catalog.PackReplicaStatusRow(d.Replica, pid, e.status, e.at),
				Diff:  -1,
			})
		}
		c.replicaStatuses.remove(d.Cluster, d.Replica)
		if meta := c.transientReplicaMetadata[d.Replica]; meta != nil {
			for i, m := range meta.metrics {
				updates = append(updates, catalog.BuiltinTableUpdate{
					Table: catalog.TableClusterReplicaMetrics,
					Row:   catalog.PackReplicaMetricsRow(d.Replica, controller.ProcessID(i), m),
					Diff:  -1,
				})
			}
		}
		c.transientReplicaMetadata[d.Replica] = nil
		log.VEventf(ctx, 1, "retired replica %s of cluster %s", d.Replica, d.Cluster)
	}
	if len(updates) > 0 {
		c.applyIntrospectionUpdates(ctx, updates)
	}
}
