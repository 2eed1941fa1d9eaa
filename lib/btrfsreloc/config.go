// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

type Config struct {
	// ClusterMaxExtents caps the number of data extents that are
	// read and written back together.
	ClusterMaxExtents int
	// MaxPasses bounds the number of times the block group is
	// scanned before giving up.
	MaxPasses int
	// MergeSwapsPerTrans is how many pointer swaps merge makes
	// before committing its progress.
	MergeSwapsPerTrans int
	ProgressInterval   time.Duration
	// Metrics, if non-nil, is where the job's metrics are
	// registered.
	Metrics prometheus.Registerer
	// RemoveBlockGroup, if set, removes the block group once it
	// has been emptied.
	RemoveBlockGroup bool

	// afterExtent, if set, is called after each extent has been
	// dealt with, outside of any transaction handle.
	afterExtent func(ctx context.Context, ext btrfs.ExtentRecord) error
}

func DefaultConfig() Config {
	return Config{
		ClusterMaxExtents:  textui.Tunable(128),
		MaxPasses:          textui.Tunable(16),
		MergeSwapsPerTrans: textui.Tunable(16),
		ProgressInterval:   textui.Tunable(1 * time.Second),
	}
}

func (cfg *Config) fill() {
	def := DefaultConfig()
	if cfg.ClusterMaxExtents <= 0 {
		cfg.ClusterMaxExtents = def.ClusterMaxExtents
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	if cfg.MergeSwapsPerTrans <= 0 {
		cfg.MergeSwapsPerTrans = def.MergeSwapsPerTrans
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
}
