// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
)

type Stats interface {
	comparable
	fmt.Stringer
}

// Progress logs the most recently Set value of T every interval, and
// once more at Done if it changed.  Nothing is logged if Set is never
// called.
type Progress[T Stats] struct {
	ctx      context.Context
	lvl      dlog.LogLevel
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	started atomic.Bool
	cur     atomic.Value // Value[T]
	oldStat T
	oldLine string
}

func NewProgress[T Stats](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	ret := &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,

		cancel: cancel,
		done:   make(chan struct{}),
	}
	return ret
}

func (p *Progress[T]) Set(val T) {
	p.cur.Store(val)
	if p.started.CompareAndSwap(false, true) {
		go p.run()
	}
}

func (p *Progress[T]) Done() {
	p.cancel()
	if p.started.Load() {
		<-p.done
	}
}

func (p *Progress[T]) flush(force bool) {
	cur := p.cur.Load().(T)
	if !force && cur == p.oldStat {
		return
	}
	defer func() { p.oldStat = cur }()

	line := cur.String()
	if !force && line == p.oldLine {
		return
	}
	defer func() { p.oldLine = line }()

	dlog.Log(p.ctx, p.lvl, line)
}

func (p *Progress[T]) run() {
	p.flush(true)
	ticker := time.NewTicker(p.interval)
	for {
		select {
		case <-p.ctx.Done():
			ticker.Stop()
			p.flush(false)
			close(p.done)
			return
		case <-ticker.C:
			p.flush(false)
		}
	}
}
