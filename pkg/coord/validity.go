// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/catalog"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
)

// errPlanStale marks every error returned by PlanValidity.Check so callers
// can distinguish staleness from business errors with errors.Is.
var errPlanStale = errors.New("plan is no longer valid")

// PlanValidity tracks whether a plan made at some catalog revision is still
// executable. Sequencing crosses async boundaries; every re-entry onto the
// coordinator task must call Check before acting on the plan.
type PlanValidity struct {
	// revision is the catalog revision the plan was last verified against.
	revision uint64
	// dependencyIDs are the catalog objects the plan depends on.
	dependencyIDs repr.IDSet
	// cluster, if nonzero, must still exist.
	cluster controller.ClusterID
	// replica, if nonzero, must still exist on cluster.
	replica controller.ReplicaID
}

// NewPlanValidity constructs a validity anchored at the catalog's current
// revision.
func NewPlanValidity(cat *catalog.Catalog, deps repr.IDSet, cluster controller.ClusterID, replica controller.ReplicaID) PlanValidity {
	return PlanValidity{
		revision:      cat.Revision(),
		dependencyIDs: deps,
		cluster:       cluster,
		replica:       replica,
	}
}

// Dependencies returns the tracked dependency set.
func (v *PlanValidity) Dependencies() repr.IDSet {
	return v.dependencyIDs
}

// SetDependencies replaces the tracked dependency set. Paths that rewrite a
// statement mid-flight use this after re-resolving the rewritten statement.
func (v *PlanValidity) SetDependencies(deps repr.IDSet) {
	v.dependencyIDs = deps
}

// Check returns an error if the plan is no longer executable: a dependency,
// the cluster, or the replica it was planned against has been dropped. If
// everything still exists, Check fast-forwards the validity to the catalog's
// current revision so unchanged catalogs are a cheap equality test next time.
func (v *PlanValidity) Check(cat *catalog.Catalog) error {
	current := cat.Revision()
	if v.revision == current {
		return nil
	}
	if err := cat.CheckDependencies(v.dependencyIDs); err != nil {
		return errors.Mark(err, errPlanStale)
	}
	if v.cluster != 0 {
		cl, err := cat.GetCluster(v.cluster)
		if err != nil {
			return errors.Mark(err, errPlanStale)
		}
		if v.replica != 0 {
			if _, ok := cl.Replicas[v.replica]; !ok {
				return errors.Mark(
					errors.Newf("replica %s of cluster %s has been dropped", v.replica, v.cluster),
					errPlanStale)
			}
		}
	}
	v.revision = current
	return nil
}
