// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package catalog is the in-memory record of every named object in the
// system: sources, tables, sinks, views, indexes, secrets, connections, and
// the clusters that host them. All mutations go through Transact, which
// applies a batch of ops atomically and bumps the catalog revision.
package catalog

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/controller"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/google/btree"
)

// Kind classifies a catalog object.
type Kind int

// The object kinds.
const (
	KindTable Kind = iota
	KindSource
	KindSink
	KindView
	KindMaterializedView
	KindIndex
	KindSecret
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindSource:
		return "source"
	case KindSink:
		return "sink"
	case KindView:
		return "view"
	case KindMaterializedView:
		return "materialized-view"
	case KindIndex:
		return "index"
	case KindSecret:
		return "secret"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// IsReadable reports whether objects of this kind can serve reads.
func (k Kind) IsReadable() bool {
	switch k {
	case KindTable, KindSource, KindView, KindMaterializedView, KindIndex:
		return true
	default:
		return false
	}
}

// Entry is one catalog object.
type Entry struct {
	ID        repr.ID
	Name      string
	Kind      Kind
	DependsOn []repr.ID
	Timeline  tsoracle.Timeline
	// InCluster is set for objects hosted on a cluster: sinks, indexes, and
	// materialized views.
	InCluster controller.ClusterID
}

// Replica is one replica of a cluster.
type Replica struct {
	ID        controller.ReplicaID
	Name      string
	Processes int
}

// Cluster is a named pool of compute resources.
type Cluster struct {
	ID       controller.ClusterID
	Name     string
	Replicas map[controller.ReplicaID]*Replica
}

type nameItem struct {
	name string
	id   repr.ID
}

func (n nameItem) Less(than btree.Item) bool {
	return n.name < than.(nameItem).name
}

// Catalog is the in-memory catalog. It is safe for concurrent use: reads
// take a shared lock, Transact an exclusive one.
type Catalog struct {
	mu struct {
		syncutil.RWMutex
		revision      uint64
		entries       map[repr.ID]*Entry
		byName        *btree.BTree
		dependents    map[repr.ID]repr.IDSet
		clusters      map[controller.ClusterID]*Cluster
		clusterByName map[string]controller.ClusterID
		nextID        repr.ID
		nextClusterID controller.ClusterID
		nextReplicaID controller.ReplicaID
	}
}

// New returns an empty catalog at revision zero.
func New() *Catalog {
	c := &Catalog{}
	c.mu.entries = make(map[repr.ID]*Entry)
	c.mu.byName = btree.New(8)
	c.mu.dependents = make(map[repr.ID]repr.IDSet)
	c.mu.clusters = make(map[controller.ClusterID]*Cluster)
	c.mu.clusterByName = make(map[string]controller.ClusterID)
	c.mu.nextID = 1
	c.mu.nextClusterID = 1
	c.mu.nextReplicaID = 1
	return c
}

// Revision returns the current catalog revision. The revision increases on
// every successful Transact.
func (c *Catalog) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.revision
}

// AllocateID grants a fresh object id. IDs are never reused.
func (c *Catalog) AllocateID() repr.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.mu.nextID
	c.mu.nextID++
	return id
}

// Get returns the entry with the given id.
func (c *Catalog) Get(id repr.ID) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.mu.entries[id]
	if !ok {
		return nil, unknownObjectError(id)
	}
	cp := *e
	return &cp, nil
}

// Resolve returns the entry with the given name.
func (c *Catalog) Resolve(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item := c.mu.byName.Get(nameItem{name: name})
	if item == nil {
		return nil, errors.Mark(errors.Newf("unknown catalog item %q", name), ErrUnknownObject)
	}
	cp := *c.mu.entries[item.(nameItem).id]
	return &cp, nil
}

// ListByPrefix returns the entries whose names start with prefix, in name
// order.
func (c *Catalog) ListByPrefix(prefix string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	c.mu.byName.AscendGreaterOrEqual(nameItem{name: prefix}, func(item btree.Item) bool {
		ni := item.(nameItem)
		if len(ni.name) < len(prefix) || ni.name[:len(prefix)] != prefix {
			return false
		}
		out = append(out, *c.mu.entries[ni.id])
		return true
	})
	return out
}

// CheckDependencies verifies that every id is a live catalog object.
func (c *Catalog) CheckDependencies(ids repr.IDSet) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids.Ordered() {
		if _, ok := c.mu.entries[id]; !ok {
			return unknownObjectError(id)
		}
	}
	return nil
}

// ResolveCluster returns the cluster with the given name.
func (c *Catalog) ResolveCluster(name string) (*Cluster, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.mu.clusterByName[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown cluster %q", name), ErrUnknownCluster)
	}
	return c.mu.clusters[id].copy(), nil
}

// GetCluster returns the cluster with the given id.
func (c *Catalog) GetCluster(id controller.ClusterID) (*Cluster, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.mu.clusters[id]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown cluster %s", id), ErrUnknownCluster)
	}
	return cl.copy(), nil
}

// ObjectsOnCluster returns the ids of every object hosted on the given
// cluster, sorted ascending.
func (c *Catalog) ObjectsOnCluster(cluster controller.ClusterID) []repr.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []repr.ID
	for id, e := range c.mu.entries {
		if e.InCluster == cluster {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasReplica reports whether the given replica currently exists.
func (c *Catalog) HasReplica(cluster controller.ClusterID, replica controller.ReplicaID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.mu.clusters[cluster]
	if !ok {
		return false
	}
	_, ok = cl.Replicas[replica]
	return ok
}

func (cl *Cluster) copy() *Cluster {
	cp := &Cluster{ID: cl.ID, Name: cl.Name, Replicas: make(map[controller.ReplicaID]*Replica, len(cl.Replicas))}
	for id, r := range cl.Replicas {
		rc := *r
		cp.Replicas[id] = &rc
	}
	return cp
}

func unknownObjectError(id repr.ID) error {
	return errors.Mark(errors.Newf("unknown catalog item %s", id), ErrUnknownObject)
}
