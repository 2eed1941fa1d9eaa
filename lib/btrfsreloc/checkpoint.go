// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"bytes"
	"fmt"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// CheckpointKey is the filesystem metadata key that the checkpoint of
// a running job is stored under.
const CheckpointKey = "reloc.checkpoint"

// A Checkpoint is the persisted state of a relocation job, as of the
// last commit.
type Checkpoint struct {
	BlockGroup btrfsvol.LogicalAddr
	Stage      Stage
	Pass       int
	Roots      []RootCheckpoint
}

type RootCheckpoint struct {
	ID           btrfsprim.ObjID
	Source       btrfsprim.ObjID
	Refs         int32
	DropProgress btrfsprim.Key
	DropLevel    uint8
}

func (c *Control) checkpoint() Checkpoint {
	ret := Checkpoint{
		BlockGroup: c.bg.Start,
		Stage:      c.stage,
		Pass:       c.pass,
	}
	if c.finished {
		ret.Stage = StageDone
	}
	for _, rr := range c.roots.all() {
		refs := int32(1)
		if rr.Dead {
			refs = 0
		}
		ret.Roots = append(ret.Roots, RootCheckpoint{
			ID:           rr.ID,
			Source:       rr.Source,
			Refs:         refs,
			DropProgress: rr.Progress,
			DropLevel:    rr.ProgressLevel,
		})
	}
	return ret
}

func (c *Control) writeCheckpoint(t *btrfs.Trans) error {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(&buf).Encode(c.checkpoint()); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	c.fs.SetMeta(t, CheckpointKey, buf.Bytes())
	return nil
}

// ReadCheckpoint returns the checkpoint of the last job to run on fs,
// if there is one.
func ReadCheckpoint(fs interface{ GetMeta(string) ([]byte, bool) }) (Checkpoint, bool, error) {
	raw, ok := fs.GetMeta(CheckpointKey)
	if !ok {
		return Checkpoint{}, false, nil
	}
	var ret Checkpoint
	if err := lowmemjson.NewDecoder(bytes.NewReader(raw)).DecodeThenEOF(&ret); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return ret, true, nil
}
