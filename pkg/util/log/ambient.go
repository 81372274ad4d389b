// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package log

import (
	"context"

	"github.com/cockroachdb/logtags"
)

// AmbientContext is a helper type used to "annotate" context.Contexts with log
// tags. It is meant to be embedded in components that pass contexts around:
// the component annotates every context it hands out with its own identity.
type AmbientContext struct {
	tags *logtags.Buffer
}

// AddLogTag adds a tag; that tag will be included in all contexts annotated
// through this AmbientContext.
func (ac *AmbientContext) AddLogTag(name string, value interface{}) {
	ac.tags = ac.tags.Add(name, value)
}

// AnnotateCtx annotates a given context with the AmbientContext's tags.
func (ac *AmbientContext) AnnotateCtx(ctx context.Context) context.Context {
	if ac.tags == nil {
		return ctx
	}
	return logtags.AddTags(ctx, ac.tags)
}
