// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"github.com/freshetdb/freshet/pkg/util/metric"
)

var (
	metaMessagesHandled = metric.Metadata{
		Name:        "coord.messages.handled",
		Help:        "Messages handled by the coordinator task.",
		Measurement: "Messages",
		Unit:        metric.Unit_COUNT,
	}
	metaMessageHandleDuration = metric.Metadata{
		Name:        "coord.messages.handle.duration",
		Help:        "Time spent handling one coordinator message.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaMailboxDepth = metric.Metadata{
		Name:        "coord.mailbox.depth",
		Help:        "Messages waiting in the coordinator mailbox.",
		Measurement: "Messages",
		Unit:        metric.Unit_COUNT,
	}
	metaDeferredWrites = metric.Metadata{
		Name:        "coord.writes.deferred",
		Help:        "Operations waiting for the coordinator write lock.",
		Measurement: "Operations",
		Unit:        metric.Unit_COUNT,
	}
	metaGroupCommits = metric.Metadata{
		Name:        "coord.group_commits",
		Help:        "Group commits applied.",
		Measurement: "Commits",
		Unit:        metric.Unit_COUNT,
	}
	metaAppendedRows = metric.Metadata{
		Name:        "coord.appended_rows",
		Help:        "Rows durably appended to tables.",
		Measurement: "Rows",
		Unit:        metric.Unit_COUNT,
	}
	metaLinearizeQueued = metric.Metadata{
		Name:        "coord.linearize.queued",
		Help:        "Strict serializable reads waiting for the timestamp oracle.",
		Measurement: "Reads",
		Unit:        metric.Unit_COUNT,
	}
	metaLinearizeRequeues = metric.Metadata{
		Name:        "coord.linearize.requeues",
		Help:        "Times a waiting read was re-examined without being released.",
		Measurement: "Requeues",
		Unit:        metric.Unit_COUNT,
	}
	metaLinearizeWaitImmediate = metric.Metadata{
		Name:        "coord.linearize.wait.duration.immediate",
		Help:        "Queue time of strict serializable reads released on first examination.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaLinearizeWaitDelayed = metric.Metadata{
		Name:        "coord.linearize.wait.duration.delayed",
		Help:        "Queue time of strict serializable reads that had to wait for the oracle.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaPendingPeeks = metric.Metadata{
		Name:        "coord.peeks.pending",
		Help:        "Point-in-time reads awaiting cluster responses.",
		Measurement: "Peeks",
		Unit:        metric.Unit_COUNT,
	}
	metaActiveSubscribes = metric.Metadata{
		Name:        "coord.subscribes.active",
		Help:        "Active subscriptions.",
		Measurement: "Subscriptions",
		Unit:        metric.Unit_COUNT,
	}
	metaStorageUsageFetches = metric.Metadata{
		Name:        "coord.storage_usage.fetches",
		Help:        "Storage usage collections completed.",
		Measurement: "Collections",
		Unit:        metric.Unit_COUNT,
	}
	metaStorageUsageScanDuration = metric.Metadata{
		Name:        "coord.storage_usage.scan.duration",
		Help:        "Time spent scanning the persistence layer for shard sizes.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaStatementDuration = metric.Metadata{
		Name:        "coord.statements.duration",
		Help:        "End-to-end statement execution time.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaStatementRate = metric.Metadata{
		Name:        "coord.statements.duration.ewma",
		Help:        "Moving average of statement execution time.",
		Measurement: "Duration",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaWatchSetsActive = metric.Metadata{
		Name:        "coord.watchsets.active",
		Help:        "Watch sets installed and not yet finished.",
		Measurement: "Watch sets",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics holds the coordinator's metrics.
type Metrics struct {
	MessagesHandled          *metric.Counter
	MessageHandleDuration    *metric.Histogram
	MailboxDepth             *metric.Gauge
	DeferredWrites           *metric.Gauge
	GroupCommits             *metric.Counter
	AppendedRows             *metric.Counter
	LinearizeQueued          *metric.Gauge
	LinearizeRequeues        *metric.Counter
	LinearizeWaitImmediate   *metric.Histogram
	LinearizeWaitDelayed     *metric.Histogram
	PendingPeeks             *metric.Gauge
	ActiveSubscribes         *metric.Gauge
	StorageUsageFetches      *metric.Counter
	StorageUsageScanDuration *metric.Histogram
	StatementDuration        *metric.Histogram
	StatementRate            *metric.Rate
	WatchSetsActive          *metric.Gauge
}

func makeMetrics() Metrics {
	return Metrics{
		MessagesHandled:          metric.NewCounter(metaMessagesHandled),
		MessageHandleDuration:    metric.NewHistogram(metaMessageHandleDuration, metric.DurationBuckets),
		MailboxDepth:             metric.NewGauge(metaMailboxDepth),
		DeferredWrites:           metric.NewGauge(metaDeferredWrites),
		GroupCommits:             metric.NewCounter(metaGroupCommits),
		AppendedRows:             metric.NewCounter(metaAppendedRows),
		LinearizeQueued:          metric.NewGauge(metaLinearizeQueued),
		LinearizeRequeues:        metric.NewCounter(metaLinearizeRequeues),
		LinearizeWaitImmediate:   metric.NewHistogram(metaLinearizeWaitImmediate, metric.DurationBuckets),
		LinearizeWaitDelayed:     metric.NewHistogram(metaLinearizeWaitDelayed, metric.DurationBuckets),
		PendingPeeks:             metric.NewGauge(metaPendingPeeks),
		ActiveSubscribes:         metric.NewGauge(metaActiveSubscribes),
		StorageUsageFetches:      metric.NewCounter(metaStorageUsageFetches),
		StorageUsageScanDuration: metric.NewHistogram(metaStorageUsageScanDuration, metric.DurationBuckets),
		StatementDuration:        metric.NewHistogram(metaStatementDuration, metric.DurationBuckets),
		StatementRate:            metric.NewRate(metaStatementRate),
		WatchSetsActive:          metric.NewGauge(metaWatchSetsActive),
	}
}
