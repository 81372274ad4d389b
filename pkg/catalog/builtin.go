// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package catalog

import (
	"time"

	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/google/uuid"
)

// BuiltinTable identifies one of the system's introspection tables.
type BuiltinTable int

// The introspection tables.
const (
	// TableObjects lists every catalog object: (id, name, kind).
	TableObjects BuiltinTable = iota
	// TableClusterReplicas lists every replica:
	// (cluster_id, replica_id, name, processes).
	TableClusterReplicas
	// TableClusterReplicaStatuses holds the last observed status of every
	// replica process: (replica_id, process_id, status, reason, occurred_at).
	TableClusterReplicaStatuses
	// TableClusterReplicaMetrics holds the last reported resource usage of
	// every replica process:
	// (replica_id, process_id, cpu_nanos, memory_bytes, disk_bytes).
	TableClusterReplicaMetrics
	// TableStorageUsage records periodic shard size measurements:
	// (shard_id, size_bytes, collection_timestamp).
	TableStorageUsage
	// TableStatementHistory records retired statement executions:
	// (id, sql, status, error, began_at, finished_at).
	TableStatementHistory
)

func (t BuiltinTable) String() string {
	switch t {
	case TableObjects:
		return "fs_objects"
	case TableClusterReplicas:
		return "fs_cluster_replicas"
	case TableClusterReplicaStatuses:
		return "fs_cluster_replica_statuses"
	case TableClusterReplicaMetrics:
		return "fs_cluster_replica_metrics"
	case TableStorageUsage:
		return "fs_storage_usage"
	case TableStatementHistory:
		return "fs_statement_history"
	default:
		return "unknown"
	}
}

// BuiltinTableUpdate is one row change to an introspection table.
type BuiltinTableUpdate struct {
	Table BuiltinTable
	Row   repr.Row
	Diff  repr.Diff
}

// PackObjectRow builds a TableObjects row.
func PackObjectRow(id repr.ID, name string, kind Kind) repr.Row {
	return repr.Row{
		repr.DString(id.String()),
		repr.DString(name),
		repr.DString(kind.String()),
	}
}

// PackClusterReplicaRow builds a TableClusterReplicas row.
func PackClusterReplicaRow(
	cluster controller.ClusterID, replica controller.ReplicaID, name string, processes int,
) repr.Row {
	return repr.Row{
		repr.DString(cluster.String()),
		repr.DString(replica.String()),
		repr.DString(name),
		repr.DInt(processes),
	}
}

// PackReplicaStatusRow builds a TableClusterReplicaStatuses row.
func PackReplicaStatusRow(
	replica controller.ReplicaID, process controller.ProcessID, status controller.ProcessStatus, at time.Time,
) repr.Row {
	reason := repr.Datum(repr.DNull{})
	if status.Reason != "" {
		reason = repr.DString(status.Reason)
	}
	return repr.Row{
		repr.DString(replica.String()),
		repr.DInt(process),
		repr.DString(status.State.String()),
		reason,
		repr.DTimestampTZ(at),
	}
}

// PackReplicaMetricsRow builds a TableClusterReplicaMetrics row.
func PackReplicaMetricsRow(
	replica controller.ReplicaID, process controller.ProcessID, m controller.ProcessMetrics,
) repr.Row {
	return repr.Row{
		repr.DString(replica.String()),
		repr.DInt(process),
		repr.DInt(m.CPUNanos),
		repr.DInt(m.MemoryBytes),
		repr.DInt(m.DiskBytes),
	}
}

// PackStorageUsageRow builds a TableStorageUsage row.
func PackStorageUsageRow(shardID string, sizeBytes uint64, collectedAt time.Time) repr.Row {
	return repr.Row{
		repr.DString(shardID),
		repr.DInt(sizeBytes),
		repr.DTimestampTZ(collectedAt),
	}
}

// PackStatementHistoryRow builds a TableStatementHistory row.
func PackStatementHistoryRow(
	id uuid.UUID, sqlText string, status string, errMsg string, beganAt, finishedAt time.Time,
) repr.Row {
	errDatum := repr.Datum(repr.DNull{})
	if errMsg != "" {
		errDatum = repr.DString(errMsg)
	}
	return repr.Row{
		repr.DUUID(id),
		repr.DString(sqlText),
		repr.DString(status),
		errDatum,
		repr.DTimestampTZ(beganAt),
		repr.DTimestampTZ(finishedAt),
	}
}
