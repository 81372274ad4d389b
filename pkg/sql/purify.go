// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package sql

import "context"

// Purified is the result of purifying a statement: the statement rewritten
// with the facts learned from the external system baked in. The rewritten
// statement may reference catalog objects the original did not, so dependency
// resolution must run again on it.
type Purified interface {
	// Statement returns the rewritten statement to continue planning with.
	Statement() Statement
	purified()
}

// PurifiedCreateSource is a purified CREATE SOURCE, together with any
// subsource statements discovered upstream.
type PurifiedCreateSource struct {
	Stmt       *CreateSource
	Subsources []*CreateSource
}

// PurifiedAlterSource is a purified ALTER SOURCE.
type PurifiedAlterSource struct {
	Stmt *AlterSource
}

// PurifiedCreateSink is a purified CREATE SINK.
type PurifiedCreateSink struct {
	Stmt *CreateSink
}

// PurifiedCreateTableFromSource is a purified CREATE TABLE ... FROM SOURCE.
type PurifiedCreateTableFromSource struct {
	Stmt *CreateTable
}

func (p *PurifiedCreateSource) Statement() Statement          { return p.Stmt }
func (p *PurifiedAlterSource) Statement() Statement           { return p.Stmt }
func (p *PurifiedCreateSink) Statement() Statement            { return p.Stmt }
func (p *PurifiedCreateTableFromSource) Statement() Statement { return p.Stmt }

func (*PurifiedCreateSource) purified()          {}
func (*PurifiedAlterSource) purified()           {}
func (*PurifiedCreateSink) purified()            {}
func (*PurifiedCreateTableFromSource) purified() {}

// Purifier contacts external systems to resolve the parts of a statement that
// cannot be determined from the catalog alone, for example discovering the
// publication tables of an upstream database. Purification runs off the main
// coordinator task and may take arbitrarily long; implementations must honor
// context cancellation.
type Purifier interface {
	Purify(ctx context.Context, stmt Statement) (Purified, error)
}

// PurifierFunc adapts a function to the Purifier interface.
type PurifierFunc func(ctx context.Context, stmt Statement) (Purified, error)

// Purify implements Purifier.
func (f PurifierFunc) Purify(ctx context.Context, stmt Statement) (Purified, error) {
	return f(ctx, stmt)
}
