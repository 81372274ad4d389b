// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package sql defines the statement and plan vocabulary exchanged between
// clients, the planner, and the coordinator. Parsing and optimization live
// behind the Purifier and Planner interfaces; this package only carries the
// shapes the coordinator needs to sequence execution.
package sql

import (
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
)

// Statement is one parsed SQL statement. The set of implementations is
// closed; the coordinator switches over it to choose a sequencing path.
type Statement interface {
	// Tag returns the command tag reported to the client, e.g. "CREATE SOURCE".
	Tag() string
	stmt()
}

// CreateSource ingests an external collection into the system.
type CreateSource struct {
	Name       string
	InCluster  controller.ClusterID
	Connection repr.ID
	References []repr.ID
}

// AlterSource changes the configuration of an existing source, for example
// adding newly discovered upstream references.
type AlterSource struct {
	Source     repr.ID
	References []repr.ID
}

// CreateTable creates a writable table, optionally fed from a source.
type CreateTable struct {
	Name       string
	FromSource repr.ID
	References []repr.ID
}

// CreateSink exports a collection to an external system.
type CreateSink struct {
	Name       string
	From       repr.ID
	InCluster  controller.ClusterID
	Connection repr.ID
	References []repr.ID
}

// CreateView defines a named, unmaterialized query.
type CreateView struct {
	Name       string
	References []repr.ID
}

// CreateMaterializedView defines a query maintained incrementally on a
// cluster.
type CreateMaterializedView struct {
	Name       string
	InCluster  controller.ClusterID
	References []repr.ID
}

// CreateIndex arranges a collection in memory on a cluster.
type CreateIndex struct {
	Name      string
	On        repr.ID
	InCluster controller.ClusterID
}

// CreateSecret stores an encrypted secret.
type CreateSecret struct {
	Name  string
	Value []byte
}

// AlterSecret replaces the value of an existing secret.
type AlterSecret struct {
	Secret repr.ID
	Value  []byte
}

// CreateConnection describes how to reach an external system. If Validate is
// set the connection is checked against the external system before the
// catalog commits it.
type CreateConnection struct {
	Name       string
	Validate   bool
	References []repr.ID
}

// AlterConnection changes an existing connection, optionally revalidating it.
type AlterConnection struct {
	Connection repr.ID
	Validate   bool
	References []repr.ID
}

// Select reads a result at a single timestamp. If CopyTo is set the result
// is streamed to an external destination instead of returned to the client.
type Select struct {
	Raw        string
	References []repr.ID
	CopyTo     *CopyToOutput
}

// CopyToOutput names the external destination of a COPY ... TO statement.
type CopyToOutput struct {
	To     string
	Format string
}

// Subscribe streams changes to a collection or query.
type Subscribe struct {
	From       repr.ID
	Progress   bool
	UpTo       repr.Timestamp
	References []repr.ID
}

// ExplainTimestamp reports the timestamp determination for a query without
// running it.
type ExplainTimestamp struct {
	Raw        string
	References []repr.ID
}

// Insert writes rows into a table.
type Insert struct {
	Table repr.ID
	Rows  []repr.RowUpdate
}

// ReplicaConfig describes one replica to add to a cluster.
type ReplicaConfig struct {
	Name      string
	Processes int
}

// AlterCluster reconfigures a cluster's replicas. With WaitReady set, the
// statement does not complete until the cluster's dataflows have caught up
// on the new configuration.
type AlterCluster struct {
	Cluster      controller.ClusterID
	AddReplicas  []ReplicaConfig
	DropReplicas []controller.ReplicaID
	WaitReady    bool
}

// Drop removes objects from the catalog.
type Drop struct {
	IDs []repr.ID
}

func (*CreateSource) stmt()           {}
func (*AlterSource) stmt()            {}
func (*CreateTable) stmt()            {}
func (*CreateSink) stmt()             {}
func (*CreateView) stmt()             {}
func (*CreateMaterializedView) stmt() {}
func (*CreateIndex) stmt()            {}
func (*CreateSecret) stmt()           {}
func (*AlterSecret) stmt()            {}
func (*CreateConnection) stmt()       {}
func (*AlterConnection) stmt()        {}
func (*Select) stmt()                 {}
func (*Subscribe) stmt()              {}
func (*ExplainTimestamp) stmt()       {}
func (*Insert) stmt()                 {}
func (*AlterCluster) stmt()           {}
func (*Drop) stmt()                   {}

func (*CreateSource) Tag() string           { return "CREATE SOURCE" }
func (*AlterSource) Tag() string            { return "ALTER SOURCE" }
func (*CreateTable) Tag() string            { return "CREATE TABLE" }
func (*CreateSink) Tag() string             { return "CREATE SINK" }
func (*CreateView) Tag() string             { return "CREATE VIEW" }
func (*CreateMaterializedView) Tag() string { return "CREATE MATERIALIZED VIEW" }
func (*CreateIndex) Tag() string            { return "CREATE INDEX" }
func (*CreateSecret) Tag() string           { return "CREATE SECRET" }
func (*AlterSecret) Tag() string            { return "ALTER SECRET" }
func (*CreateConnection) Tag() string       { return "CREATE CONNECTION" }
func (*AlterConnection) Tag() string        { return "ALTER CONNECTION" }
func (*Select) Tag() string                 { return "SELECT" }
func (*Subscribe) Tag() string              { return "SUBSCRIBE" }
func (*ExplainTimestamp) Tag() string       { return "EXPLAIN TIMESTAMP" }
func (*Insert) Tag() string                 { return "INSERT" }
func (*AlterCluster) Tag() string           { return "ALTER CLUSTER" }
func (*Drop) Tag() string                   { return "DROP" }

// VisitDependencies returns the set of catalog objects the statement
// references. Sequencing paths that rewrite a statement after planning began
// must call this again on the rewritten statement rather than reuse the ids
// resolved earlier.
func VisitDependencies(stmt Statement) repr.IDSet {
	deps := repr.MakeIDSet()
	add := func(id repr.ID) {
		if id != repr.InvalidID {
			deps.Add(id)
		}
	}
	addAll := func(ids []repr.ID) {
		for _, id := range ids {
			add(id)
		}
	}
	switch s := stmt.(type) {
	case *CreateSource:
		add(s.Connection)
		addAll(s.References)
	case *AlterSource:
		add(s.Source)
		addAll(s.References)
	case *CreateTable:
		add(s.FromSource)
		addAll(s.References)
	case *CreateSink:
		add(s.From)
		add(s.Connection)
		addAll(s.References)
	case *CreateView:
		addAll(s.References)
	case *CreateMaterializedView:
		addAll(s.References)
	case *CreateIndex:
		add(s.On)
	case *CreateSecret, *AlterSecret:
	case *CreateConnection:
		addAll(s.References)
	case *AlterConnection:
		add(s.Connection)
		addAll(s.References)
	case *Select:
		addAll(s.References)
	case *Subscribe:
		add(s.From)
		addAll(s.References)
	case *ExplainTimestamp:
		addAll(s.References)
	case *Insert:
		add(s.Table)
	case *AlterCluster, *Drop:
	}
	return deps
}
