// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fmtutil

import (
	"fmt"
	"strings"
)

type BitfieldFormat uint8

const (
	HexNone = BitfieldFormat(iota)
	HexLower
)

// BitfieldString renders a set of flags as "A|B|(1<<5)".
func BitfieldString[T ~uint8 | ~uint16 | ~uint32 | ~uint64](bitfield T, bitnames []string, cfg BitfieldFormat) string {
	var out strings.Builder
	if cfg == HexLower {
		fmt.Fprintf(&out, "0x%0x(", uint64(bitfield))
	}
	if bitfield == 0 {
		out.WriteString("none")
	} else {
		rest := bitfield
		first := true
		for i := 0; rest != 0; i++ {
			if rest&(1<<i) == 0 {
				continue
			}
			if !first {
				out.WriteRune('|')
			}
			if i < len(bitnames) {
				out.WriteString(bitnames[i])
			} else {
				fmt.Fprintf(&out, "(1<<%v)", i)
			}
			first = false
			rest &^= 1 << i
		}
	}
	if cfg == HexLower {
		out.WriteRune(')')
	}
	return out.String()
}
