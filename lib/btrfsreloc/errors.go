// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/derror"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

var (
	// ErrCorrupt is wrapped by every CorruptionError.
	ErrCorrupt = errors.New("filesystem metadata is inconsistent")
	// ErrBusy is returned when another job already holds the
	// filesystem.
	ErrBusy = errors.New("a relocation job is already running")
	// ErrCanceled is returned when the job's Context is canceled.
	// The block group is left partially emptied, and a new job
	// can pick up where this one left off.
	ErrCanceled = errors.New("relocation canceled")

	// errRetry means that the block reservation ran short; the
	// current extent should be retried after flushing.
	errRetry = errors.New("block reservation exhausted")
)

// A CorruptionError reports metadata that relocation cannot make
// sense of.  It is fatal for the job, and the transaction it happened
// in is aborted.
type CorruptionError struct {
	Op   string
	Addr btrfsvol.LogicalAddr
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %v: %v: %v", e.Op, e.Addr, ErrCorrupt, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (*CorruptionError) Is(target error) bool { return target == ErrCorrupt }

func corruptf(op string, addr btrfsvol.LogicalAddr, format string, args ...any) error {
	return &CorruptionError{
		Op:   op,
		Addr: addr,
		Err:  fmt.Errorf(format, args...),
	}
}

// jobError is the result of a job that failed and then also had
// trouble cleaning up after itself.  errors.Is and errors.As see
// through to every member.
type jobError struct {
	derror.MultiError
}

func (e jobError) Unwrap() []error { return e.MultiError }

// withCleanup returns err with cleanup errors attached, err first.
func withCleanup(err error, cleanup derror.MultiError) error {
	if len(cleanup) == 0 {
		return err
	}
	if err == nil {
		if len(cleanup) == 1 {
			return cleanup[0]
		}
		return jobError{cleanup}
	}
	return jobError{append(derror.MultiError{err}, cleanup...)}
}
