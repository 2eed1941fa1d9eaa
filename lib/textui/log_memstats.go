// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// LiveMemUse is a log field value that renders the Go runtime's
// current memory use.  Reading it is rate-limited, since
// runtime.ReadMemStats stops the world.
type LiveMemUse struct {
	mu    sync.Mutex
	stats runtime.MemStats
	last  time.Time
}

var _ fmt.Stringer = (*LiveMemUse)(nil)

var LiveMemUseUpdateInterval = Tunable(1 * time.Second)

func (o *LiveMemUse) String() string {
	o.mu.Lock()
	if now := time.Now(); now.Sub(o.last) > LiveMemUseUpdateInterval {
		runtime.ReadMemStats(&o.stats)
		o.last = now
	}
	// Sys is Ready+Prepared; HeapReleased is Prepared (may have been
	// handed back to the OS).
	prepared := o.stats.HeapReleased
	ready := o.stats.Sys - prepared
	inuse := o.stats.HeapInuse + o.stats.StackInuse + o.stats.MSpanInuse + o.stats.MCacheInuse +
		o.stats.BuckHashSys + o.stats.GCSys + o.stats.OtherSys
	frag := o.stats.HeapInuse - o.stats.HeapAlloc
	o.mu.Unlock()

	return Sprintf("%.1f (data:%.1f frag:%.1f idle:%.1f released:%.1f)",
		IEC(ready, "B"),
		IEC(inuse-frag, "B"),
		IEC(frag, "B"),
		IEC(ready-inuse, "B"),
		IEC(prepared, "B"))
}
