// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/boltdb/bolt"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

var (
	superBucket      = []byte("super")
	blockGroupBucket = []byte("blockgroups")
	rootBucket       = []byte("roots")
	extentBucket     = []byte("extents")
	nodeBucket       = []byte("nodes")
	dataBucket       = []byte("data")
	inodeBucket      = []byte("inodes")
	metaBucket       = []byte("meta")

	superKey = []byte("super")
)

var boltBuckets = [][]byte{
	blockGroupBucket,
	rootBucket,
	extentBucket,
	nodeBucket,
	dataBucket,
	inodeBucket,
	metaBucket,
}

type boltSuper struct {
	Generation btrfsprim.Generation
	NextChunk  btrfsvol.LogicalAddr
	NextInode  btrfsprim.ObjID
}

// BoltStore is a Store backed by a bolt database file.  Each commit
// is a single bolt transaction, so a crash leaves either the old or
// the new commit in the file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: textui.Tunable(5 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %q: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func u64Key(v uint64) []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], v)
	return ret[:]
}

func boltPut(b *bolt.Bucket, key []byte, val any) error {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(&buf).Encode(val); err != nil {
		return fmt.Errorf("encode %x: %w", key, err)
	}
	return b.Put(key, buf.Bytes())
}

func boltGet(key, raw []byte, dst any) error {
	if err := lowmemjson.NewDecoder(bytes.NewReader(raw)).DecodeThenEOF(dst); err != nil {
		return fmt.Errorf("decode %x: %w", key, err)
	}
	return nil
}

func (s *BoltStore) Commit(ctx context.Context, snap *Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range append([][]byte{superBucket}, boltBuckets...) {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		put := func(bucket, key []byte, val any) error {
			return boltPut(tx.Bucket(bucket), key, val)
		}
		if err := put(superBucket, superKey, boltSuper{
			Generation: snap.Generation,
			NextChunk:  snap.NextChunk,
			NextInode:  snap.NextInode,
		}); err != nil {
			return err
		}
		for _, bg := range snap.BlockGroups {
			if err := put(blockGroupBucket, u64Key(uint64(bg.Start)), bg); err != nil {
				return err
			}
		}
		for _, root := range snap.Roots {
			if err := put(rootBucket, u64Key(uint64(root.ID)), root); err != nil {
				return err
			}
		}
		for _, rec := range snap.Extents {
			if err := put(extentBucket, u64Key(uint64(rec.Addr)), rec); err != nil {
				return err
			}
		}
		for _, node := range snap.Nodes {
			if err := put(nodeBucket, u64Key(uint64(node.Addr)), node); err != nil {
				return err
			}
		}
		for _, data := range snap.Data {
			if err := put(dataBucket, u64Key(uint64(data.Addr)), data); err != nil {
				return err
			}
		}
		for _, inode := range snap.RelocInodes {
			if err := put(inodeBucket, u64Key(uint64(inode.Inode)), inode); err != nil {
				return err
			}
		}
		for _, meta := range snap.Meta {
			if err := tx.Bucket(metaBucket).Put([]byte(meta.Key), meta.Val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: commit %v: %w", snap.Generation, err)
	}
	dlog.Tracef(ctx, "boltstore: wrote generation %v", snap.Generation)
	return nil
}

func forEach[T any](tx *bolt.Tx, name []byte, fn func(T)) error {
	b := tx.Bucket(name)
	if b == nil {
		return fmt.Errorf("missing bucket %q", name)
	}
	return b.ForEach(func(k, v []byte) error {
		var val T
		if err := boltGet(k, v, &val); err != nil {
			return fmt.Errorf("bucket %q: %w", name, err)
		}
		fn(val)
		return nil
	})
}

func (s *BoltStore) Load(_ context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(superBucket)
		if sb == nil {
			return ErrNoFS
		}
		raw := sb.Get(superKey)
		if raw == nil {
			return ErrNoFS
		}
		var super boltSuper
		if err := boltGet(superKey, raw, &super); err != nil {
			return err
		}
		snap.Generation = super.Generation
		snap.NextChunk = super.NextChunk
		snap.NextInode = super.NextInode

		if err := forEach(tx, blockGroupBucket, func(bg BlockGroup) { snap.BlockGroups = append(snap.BlockGroups, bg) }); err != nil {
			return err
		}
		if err := forEach(tx, rootBucket, func(root RootEntry) { snap.Roots = append(snap.Roots, root) }); err != nil {
			return err
		}
		if err := forEach(tx, extentBucket, func(rec ExtentRecord) { snap.Extents = append(snap.Extents, rec) }); err != nil {
			return err
		}
		if err := forEach(tx, nodeBucket, func(node *btrfstree.Node) { snap.Nodes = append(snap.Nodes, node) }); err != nil {
			return err
		}
		if err := forEach(tx, dataBucket, func(data DataEntry) { snap.Data = append(snap.Data, data) }); err != nil {
			return err
		}
		if err := forEach(tx, inodeBucket, func(inode RelocInodeEntry) { snap.RelocInodes = append(snap.RelocInodes, inode) }); err != nil {
			return err
		}
		mb := tx.Bucket(metaBucket)
		if mb == nil {
			return fmt.Errorf("missing bucket %q", metaBucket)
		}
		return mb.ForEach(func(k, v []byte) error {
			snap.Meta = append(snap.Meta, MetaEntry{
				Key: string(k),
				Val: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoFS) {
			return nil, err
		}
		return nil, fmt.Errorf("boltstore: load: %w", err)
	}
	return &snap, nil
}
