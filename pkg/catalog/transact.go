// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package catalog

import (
	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/tsoracle"
)

// Op is one catalog mutation. The set of implementations is closed.
type Op interface {
	op()
}

// CreateObject adds an entry. A zero Entry.ID allocates a fresh id, recorded
// in the transaction result.
type CreateObject struct {
	Entry Entry
}

// DropObjects removes the given objects and, transitively, every object
// depending on them.
type DropObjects struct {
	IDs []repr.ID
}

// UpdateReferences replaces an entry's dependency list. Sequencing paths
// that discover new upstream references use this to record them.
type UpdateReferences struct {
	ID        repr.ID
	DependsOn []repr.ID
}

// CreateCluster adds a cluster with no replicas.
type CreateCluster struct {
	Name string
}

// DropCluster removes a cluster, its replicas, and every object hosted on it.
type DropCluster struct {
	ID controller.ClusterID
}

// CreateReplica adds a replica to a cluster.
type CreateReplica struct {
	Cluster   controller.ClusterID
	Name      string
	Processes int
}

// DropReplica removes a replica from a cluster.
type DropReplica struct {
	Cluster controller.ClusterID
	Replica controller.ReplicaID
}

func (CreateObject) op()     {}
func (DropObjects) op()      {}
func (UpdateReferences) op() {}
func (CreateCluster) op()    {}
func (DropCluster) op()      {}
func (CreateReplica) op()    {}
func (DropReplica) op()      {}

// DroppedReplica names one replica removed by a transaction.
type DroppedReplica struct {
	Cluster controller.ClusterID
	Replica controller.ReplicaID
}

// TxnResult reports what a Transact call did.
type TxnResult struct {
	// Revision is the catalog revision after the transaction.
	Revision uint64
	// Created lists the ids of objects created, in op order.
	Created []repr.ID
	// CreatedClusters and CreatedReplicas list ids allocated for cluster and
	// replica creations, in op order.
	CreatedClusters []controller.ClusterID
	CreatedReplicas []controller.ReplicaID
	// Dropped lists every object removed, including cascades.
	Dropped []repr.ID
	// DroppedReplicas lists every replica removed, including those removed
	// with their cluster.
	DroppedReplicas []DroppedReplica
	// BuiltinUpdates are the introspection table updates reflecting the
	// transaction. The caller is responsible for applying them.
	BuiltinUpdates []BuiltinTableUpdate
}

// Transact applies the ops atomically: either all apply and the revision
// advances by one, or none apply and an error describes the first violation.
func (c *Catalog) Transact(ops ...Op) (*TxnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Validation pass. Nothing below may mutate. Dependencies may refer to
	// objects created earlier in the same transaction, so track those ids.
	toDrop := repr.MakeIDSet()
	replicasToDrop := make(map[DroppedReplica]struct{})
	clustersToDrop := make(map[controller.ClusterID]struct{})
	newNames := make(map[string]struct{})
	newClusterNames := make(map[string]struct{})
	newIDs := repr.MakeIDSet()
	for _, op := range ops {
		switch o := op.(type) {
		case CreateObject:
			e := o.Entry
			if e.Name == "" {
				return nil, errors.AssertionFailedf("catalog object with empty name")
			}
			if _, dup := newNames[e.Name]; dup {
				return nil, ambiguousNameError(e.Name)
			}
			if c.mu.byName.Has(nameItem{name: e.Name}) {
				return nil, ambiguousNameError(e.Name)
			}
			newNames[e.Name] = struct{}{}
			if e.ID != 0 {
				newIDs.Add(e.ID)
			}
			for _, dep := range e.DependsOn {
				if _, ok := c.mu.entries[dep]; !ok && !newIDs.Contains(dep) {
					return nil, unknownObjectError(dep)
				}
			}
			if e.InCluster != 0 {
				if _, ok := c.mu.clusters[e.InCluster]; !ok {
					return nil, errors.Mark(errors.Newf("unknown cluster %s", e.InCluster), ErrUnknownCluster)
				}
			}
		case DropObjects:
			for _, id := range o.IDs {
				if _, ok := c.mu.entries[id]; !ok {
					return nil, unknownObjectError(id)
				}
				c.addDropClosureLocked(id, toDrop)
			}
		case UpdateReferences:
			if _, ok := c.mu.entries[o.ID]; !ok {
				return nil, unknownObjectError(o.ID)
			}
			for _, dep := range o.DependsOn {
				if _, ok := c.mu.entries[dep]; !ok && !newIDs.Contains(dep) {
					return nil, unknownObjectError(dep)
				}
			}
		case CreateCluster:
			if o.Name == "" {
				return nil, errors.AssertionFailedf("cluster with empty name")
			}
			if _, dup := newClusterNames[o.Name]; dup {
				return nil, ambiguousNameError(o.Name)
			}
			if _, ok := c.mu.clusterByName[o.Name]; ok {
				return nil, ambiguousNameError(o.Name)
			}
			newClusterNames[o.Name] = struct{}{}
		case DropCluster:
			cl, ok := c.mu.clusters[o.ID]
			if !ok {
				return nil, errors.Mark(errors.Newf("unknown cluster %s", o.ID), ErrUnknownCluster)
			}
			clustersToDrop[o.ID] = struct{}{}
			for rid := range cl.Replicas {
				replicasToDrop[DroppedReplica{Cluster: o.ID, Replica: rid}] = struct{}{}
			}
			for id, e := range c.mu.entries {
				if e.InCluster == o.ID {
					c.addDropClosureLocked(id, toDrop)
				}
			}
		case CreateReplica:
			if _, ok := c.mu.clusters[o.Cluster]; !ok {
				return nil, errors.Mark(errors.Newf("unknown cluster %s", o.Cluster), ErrUnknownCluster)
			}
			if o.Processes <= 0 {
				return nil, errors.AssertionFailedf("replica with %d processes", o.Processes)
			}
		case DropReplica:
			cl, ok := c.mu.clusters[o.Cluster]
			if !ok {
				return nil, errors.Mark(errors.Newf("unknown cluster %s", o.Cluster), ErrUnknownCluster)
			}
			if _, ok := cl.Replicas[o.Replica]; !ok {
				return nil, errors.Mark(errors.Newf("unknown replica %s of cluster %s", o.Replica, o.Cluster), ErrUnknownReplica)
			}
			replicasToDrop[DroppedReplica{Cluster: o.Cluster, Replica: o.Replica}] = struct{}{}
		}
	}

	// Apply pass.
	res := &TxnResult{}
	for _, op := range ops {
		switch o := op.(type) {
		case CreateObject:
			e := o.Entry
			if e.ID == 0 {
				e.ID = c.mu.nextID
				c.mu.nextID++
			} else if e.ID >= c.mu.nextID {
				c.mu.nextID = e.ID + 1
			}
			if e.Timeline == "" {
				e.Timeline = tsoracle.EpochMilliseconds
			}
			stored := e
			c.mu.entries[e.ID] = &stored
			c.mu.byName.ReplaceOrInsert(nameItem{name: e.Name, id: e.ID})
			for _, dep := range e.DependsOn {
				c.addDependentLocked(dep, e.ID)
			}
			res.Created = append(res.Created, e.ID)
			res.BuiltinUpdates = append(res.BuiltinUpdates,
				BuiltinTableUpdate{Table: TableObjects, Row: PackObjectRow(e.ID, e.Name, e.Kind), Diff: 1})
		case DropObjects:
			// Handled below, once, over the full closure.
		case UpdateReferences:
			e := c.mu.entries[o.ID]
			for _, dep := range e.DependsOn {
				c.removeDependentLocked(dep, o.ID)
			}
			e.DependsOn = append([]repr.ID(nil), o.DependsOn...)
			for _, dep := range e.DependsOn {
				c.addDependentLocked(dep, o.ID)
			}
		case CreateCluster:
			id := c.mu.nextClusterID
			c.mu.nextClusterID++
			c.mu.clusters[id] = &Cluster{ID: id, Name: o.Name, Replicas: make(map[controller.ReplicaID]*Replica)}
			c.mu.clusterByName[o.Name] = id
			res.CreatedClusters = append(res.CreatedClusters, id)
		case DropCluster:
			// Replica removal happens below; entry removal is in the closure.
		case CreateReplica:
			id := c.mu.nextReplicaID
			c.mu.nextReplicaID++
			r := &Replica{ID: id, Name: o.Name, Processes: o.Processes}
			c.mu.clusters[o.Cluster].Replicas[id] = r
			res.CreatedReplicas = append(res.CreatedReplicas, id)
			res.BuiltinUpdates = append(res.BuiltinUpdates,
				BuiltinTableUpdate{Table: TableClusterReplicas, Row: PackClusterReplicaRow(o.Cluster, id, o.Name, o.Processes), Diff: 1})
		case DropReplica:
			// Handled below.
		}
	}

	for dr := range replicasToDrop {
		cl := c.mu.clusters[dr.Cluster]
		r := cl.Replicas[dr.Replica]
		delete(cl.Replicas, dr.Replica)
		res.DroppedReplicas = append(res.DroppedReplicas, dr)
		res.BuiltinUpdates = append(res.BuiltinUpdates,
			BuiltinTableUpdate{Table: TableClusterReplicas, Row: PackClusterReplicaRow(dr.Cluster, r.ID, r.Name, r.Processes), Diff: -1})
	}
	for cid := range clustersToDrop {
		delete(c.mu.clusterByName, c.mu.clusters[cid].Name)
		delete(c.mu.clusters, cid)
	}
	for _, id := range toDrop.Ordered() {
		e := c.mu.entries[id]
		for _, dep := range e.DependsOn {
			c.removeDependentLocked(dep, id)
		}
		delete(c.mu.dependents, id)
		c.mu.byName.Delete(nameItem{name: e.Name})
		delete(c.mu.entries, id)
		res.Dropped = append(res.Dropped, id)
		res.BuiltinUpdates = append(res.BuiltinUpdates,
			BuiltinTableUpdate{Table: TableObjects, Row: PackObjectRow(e.ID, e.Name, e.Kind), Diff: -1})
	}

	c.mu.revision++
	res.Revision = c.mu.revision
	return res, nil
}

// addDropClosureLocked adds id and its transitive dependents to set.
func (c *Catalog) addDropClosureLocked(id repr.ID, set repr.IDSet) {
	if set.Contains(id) {
		return
	}
	set.Add(id)
	for dep := range c.mu.dependents[id] {
		c.addDropClosureLocked(dep, set)
	}
}

func (c *Catalog) addDependentLocked(on, dependent repr.ID) {
	s, ok := c.mu.dependents[on]
	if !ok {
		s = repr.MakeIDSet()
		c.mu.dependents[on] = s
	}
	s.Add(dependent)
}

func (c *Catalog) removeDependentLocked(on, dependent repr.ID) {
	if s, ok := c.mu.dependents[on]; ok {
		delete(s, dependent)
		if len(s) == 0 {
			delete(c.mu.dependents, on)
		}
	}
}

func ambiguousNameError(name string) error {
	return errors.Mark(errors.Newf("catalog item %q already exists", name), ErrAmbiguousName)
}
