// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"errors"
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

var (
	ErrNoSpace  = errors.New("no space left")
	ErrAborted  = errors.New("transaction aborted, filesystem is read-only")
	ErrDeadRoot = errors.New("refusing to COW into a dead relocation root")
	ErrNoFS     = errors.New("store does not hold a filesystem")
)

// NoSpaceError is returned when an allocation or a reservation cannot
// be satisfied; `errors.Is(err, ErrNoSpace)` returns true for it.
type NoSpaceError struct {
	Flags btrfsvol.BlockGroupFlags
	Size  btrfsvol.AddrDelta
}

func (e *NoSpaceError) Error() string {
	return fmt.Sprintf("no space left for %v bytes of %v", int64(e.Size), e.Flags)
}

func (*NoSpaceError) Is(target error) bool {
	return target == ErrNoSpace
}
