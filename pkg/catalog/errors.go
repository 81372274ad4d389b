// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package catalog

import "github.com/cockroachdb/errors"

// Reference errors for errors.Is checks. Errors returned by this package are
// marked with one of these.
var (
	ErrUnknownObject  = errors.New("unknown catalog item")
	ErrUnknownCluster = errors.New("unknown cluster")
	ErrUnknownReplica = errors.New("unknown cluster replica")
	ErrAmbiguousName  = errors.New("catalog item already exists")
)
