// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// A relocRoot is a shadow tree: a copy of the root of Source that
// blocks are relocated into, and that is later merged back into
// Source.
type relocRoot struct {
	ID     btrfsprim.ObjID
	Source btrfsprim.ObjID
	// Addr is the current root node of the shadow tree.
	Addr btrfsvol.LogicalAddr
	// Boundary is the last generation before the shadow was
	// created; blocks of either tree with a generation <= Boundary
	// were shared when the shadow was made.
	Boundary btrfsprim.Generation
	// Dead is set once the shadow has been merged (or found to be
	// useless); it may no longer be changed, only dropped.
	Dead bool

	// Merge progress: everything to the left of Progress has
	// been merged.
	Progress      btrfsprim.Key
	ProgressLevel uint8
}

type indexEntry struct {
	Addr btrfsvol.LogicalAddr
	Root *relocRoot
}

func (a indexEntry) Compare(b indexEntry) int {
	return a.Addr.Compare(b.Addr)
}

// relocRootIndex maps shadow trees by their current root address,
// by ID, and by source tree.  It has its own lock, since IsRelocRoot
// may be called from any goroutine.
type relocRootIndex struct {
	mu       sync.Mutex
	byAddr   containers.RBTree[indexEntry]
	byID     map[btrfsprim.ObjID]*relocRoot
	bySource map[btrfsprim.ObjID]*relocRoot
}

func (idx *relocRootIndex) init() {
	idx.byID = make(map[btrfsprim.ObjID]*relocRoot)
	idx.bySource = make(map[btrfsprim.ObjID]*relocRoot)
}

func (idx *relocRootIndex) insert(rr *relocRoot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byAddr.Insert(indexEntry{Addr: rr.Addr, Root: rr})
	idx.byID[rr.ID] = rr
	if !rr.Dead {
		idx.bySource[rr.Source] = rr
	}
}

func (idx *relocRootIndex) remove(rr *relocRoot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if node := idx.byAddr.Lookup(indexEntry{Addr: rr.Addr}); node != nil && node.Value.Root == rr {
		idx.byAddr.Delete(node)
	}
	delete(idx.byID, rr.ID)
	if idx.bySource[rr.Source] == rr {
		delete(idx.bySource, rr.Source)
	}
}

// rekey records that the root node of shadow tree id has moved from
// old to new.  It does nothing if old is not that tree's root.
func (idx *relocRootIndex) rekey(id btrfsprim.ObjID, old, new btrfsvol.LogicalAddr) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	node := idx.byAddr.Lookup(indexEntry{Addr: old})
	if node == nil || node.Value.Root.ID != id {
		return
	}
	rr := node.Value.Root
	idx.byAddr.Delete(node)
	rr.Addr = new
	idx.byAddr.Insert(indexEntry{Addr: new, Root: rr})
}

func (idx *relocRootIndex) markDead(rr *relocRoot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rr.Dead = true
	if idx.bySource[rr.Source] == rr {
		delete(idx.bySource, rr.Source)
	}
}

func (idx *relocRootIndex) get(id btrfsprim.ObjID) *relocRoot {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.byID[id]
}

func (idx *relocRootIndex) forSource(source btrfsprim.ObjID) *relocRoot {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bySource[source]
}

// state reports whether id is an indexed shadow tree, and if so
// whether it is dead.
func (idx *relocRootIndex) state(id btrfsprim.ObjID) (ok, dead bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rr, ok := idx.byID[id]
	return ok, ok && rr.Dead
}

// all returns every indexed shadow tree, ordered by root address.
func (idx *relocRootIndex) all() []*relocRoot {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ret := make([]*relocRoot, 0, idx.byAddr.Len())
	idx.byAddr.Range(func(node *containers.RBNode[indexEntry]) bool {
		ret = append(ret, node.Value.Root)
		return true
	})
	return ret
}

// shadowFor returns the shadow tree that blocks of tree should be
// relocated into, creating it if need be.  A shadow tree is its own
// shadow.
func (c *Control) shadowFor(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID) (*relocRoot, error) {
	if tree.IsRelocTree() {
		rr := c.roots.get(tree)
		if rr == nil {
			return nil, corruptf("find shadow tree", 0, "tree %v is in the shadow namespace but is not known to this job", tree)
		}
		return rr, nil
	}
	if rr := c.roots.forSource(tree); rr != nil {
		return rr, nil
	}
	if !c.createReloc {
		return nil, fmt.Errorf("tree %v: no shadow tree, and shadow trees may not be created now", tree)
	}
	return c.createRelocRoot(ctx, t, tree)
}

func (c *Control) createRelocRoot(ctx context.Context, t *btrfs.Trans, source btrfsprim.ObjID) (*relocRoot, error) {
	id, err := c.fs.AllocTreeID(t, btrfsprim.FIRST_RELOC_TREE_OBJECTID, btrfsprim.LAST_RELOC_TREE_OBJECTID)
	if err != nil {
		return nil, fmt.Errorf("create shadow of tree %v: %w", source, err)
	}
	c.copying = source
	node, err := c.fs.CopyRoot(ctx, t, source, id)
	c.copying = 0
	if err != nil {
		return nil, fmt.Errorf("create shadow of tree %v: %w", source, err)
	}

	boundary := t.ID() - 1
	root, err := c.fs.LookupRoot(id)
	if err != nil {
		return nil, err
	}
	root.Refs = 1
	root.SourceTree = source
	root.LastSnapshot = boundary
	if err := c.fs.SetRootItem(ctx, t, id, root); err != nil {
		return nil, err
	}
	srcRoot, err := c.fs.LookupRoot(source)
	if err != nil {
		return nil, err
	}
	srcRoot.LastSnapshot = boundary
	if err := c.fs.SetRootItem(ctx, t, source, srcRoot); err != nil {
		return nil, err
	}

	rr := &relocRoot{
		ID:       id,
		Source:   source,
		Addr:     node.Addr,
		Boundary: boundary,
	}
	c.roots.insert(rr)
	c.live = append(c.live, rr)
	c.dirtySubvols.Insert(source)
	c.metrics.ShadowRoots.WithLabelValues("live").Inc()
	dlog.Infof(dlog.WithField(ctx, "btrfs.reloc.root", id), "created shadow of tree %v", source)
	return rr, nil
}

// adoptRelocRoot puts a shadow tree found on disk back under this
// job's control.
func (c *Control) adoptRelocRoot(id btrfsprim.ObjID) (*relocRoot, error) {
	root, err := c.fs.LookupRoot(id)
	if err != nil {
		return nil, err
	}
	rr := &relocRoot{
		ID:            id,
		Source:        root.SourceTree,
		Addr:          root.ByteNr,
		Boundary:      root.LastSnapshot,
		Dead:          root.Refs == 0,
		Progress:      root.DropProgress,
		ProgressLevel: root.DropLevel,
	}
	c.roots.insert(rr)
	if rr.Dead {
		c.metrics.ShadowRoots.WithLabelValues("dead").Inc()
	} else {
		c.live = append(c.live, rr)
		c.metrics.ShadowRoots.WithLabelValues("live").Inc()
	}
	return rr, nil
}

// BlockCOWed implements btrfs.RelocHook.
func (c *Control) BlockCOWed(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, old, new *btrfstree.Node) error {
	c.cache.evict(old.Addr)
	if !tree.IsRelocTree() {
		return nil
	}
	if c.bg.Contains(old.Addr) {
		c.markProcessed(old.Addr, c.fs.Config().NodeSize)
		if _, ok := c.moved[old.Addr]; !ok {
			c.moved[old.Addr] = new.Addr
		}
		if h, ok := c.cache.lookup(old.Addr); ok {
			if n := c.cache.node(h); n.Flags.Has(nodeLocked) && n.NewAddr == 0 {
				n.NewAddr = c.moved[old.Addr]
				c.pending = append(c.pending, h)
			}
		}
	}
	c.roots.rekey(tree, old.Addr, new.Addr)
	if c.stage == StageUpdateDataPtrs && new.Level == 0 {
		return c.fixupLeaf(ctx, t, tree, new)
	}
	return nil
}

// PreCommit implements btrfs.RelocHook.  Every live shadow tree's
// root item is brought up to date, and the checkpoint is written.
func (c *Control) PreCommit(ctx context.Context, t *btrfs.Trans) error {
	for _, rr := range c.roots.all() {
		root, err := c.fs.LookupRoot(rr.ID)
		if err != nil {
			// Dropped, but not yet removed from the index.
			continue
		}
		if root.ByteNr != rr.Addr {
			c.roots.rekey(rr.ID, rr.Addr, root.ByteNr)
		}
		root.DropProgress = rr.Progress
		root.DropLevel = rr.ProgressLevel
		if rr.Dead {
			root.Refs = 0
		}
		if err := c.fs.SetRootItem(ctx, t, rr.ID, root); err != nil {
			return err
		}
	}
	return c.writeCheckpoint(t)
}

// IsRelocRoot implements btrfs.RelocQuery.
func (c *Control) IsRelocRoot(id btrfsprim.ObjID) (isReloc, isDead bool) {
	return c.roots.state(id)
}

// ActiveBlockGroup implements btrfs.RelocQuery.
func (c *Control) ActiveBlockGroup() (btrfsvol.LogicalAddr, bool) {
	if c.bg.Length == 0 {
		return 0, false
	}
	return c.bg.Start, true
}
