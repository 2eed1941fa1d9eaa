// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"git.lukeshu.com/btrfs-reloc/lib/fmtutil"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like `fmt.Fprintf`, but (1) includes the extensions of
// `golang.org/x/text/message.Printer`, and (2) is useful for marking
// when a print call is part of the UI, rather than something
// internal.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is like `fmt.Sprintf`, but (1) includes the extensions of
// `golang.org/x/text/message.Printer`, and (2) is useful for marking
// when a sprint call is part of the UI, rather than something
// internal.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

////////////////////////////////////////////////////////////////////////////////

// Portion renders a fraction N/D as both a percentage and
// parenthetically as the exact fractional value, rendered with
// human-friendly commas.
//
// For example:
//
//	fmt.Sprint(Portion[int]{N: 1, D: 12345}) ⇒ "0% (1/12,345)"
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

// String implements fmt.Stringer.
func (p Portion[T]) String() string {
	pct := uint64(100)
	if p.D > 0 {
		pct = (uint64(p.N) * 100) / uint64(p.D)
	}
	return printer.Sprintf("%d%% (%v/%v)", pct, uint64(p.N), uint64(p.D))
}

////////////////////////////////////////////////////////////////////////////////

type iec struct {
	Val  float64
	Unit string
}

var (
	_ fmt.Formatter = iec{}
	_ fmt.Stringer  = iec{}
)

// IEC renders a quantity with a binary (1024-based) prefix on its unit,
// such as "16.0KiB".
func IEC[T constraints.Integer | constraints.Float](x T, unit string) iec {
	return iec{
		Val:  float64(x),
		Unit: unit,
	}
}

var iecPrefixes = []string{
	"Ki",
	"Mi",
	"Gi",
	"Ti",
	"Pi",
	"Ei",
}

// Format implements fmt.Formatter.
func (v iec) Format(f fmt.State, verb rune) {
	val := v.Val
	var prefix string
	if !math.IsNaN(val) {
		for i := 0; math.Abs(val) >= 1024 && i < len(iecPrefixes); i++ {
			val /= 1024
			prefix = iecPrefixes[i]
		}
	}
	formatFloatWithSuffix(f, verb, val, prefix+v.Unit)
}

// String implements fmt.Stringer.
func (v iec) String() string {
	return fmt.Sprint(v)
}

func formatFloatWithSuffix(f fmt.State, verb rune, val float64, suffix string) {
	var wrapped any = val // float64 or number.Decimal[float64]
	if !math.IsNaN(val) {
		var options []number.Option
		if width, ok := f.Width(); ok {
			width -= utf8.RuneCountInString(suffix)
			options = append(options, number.FormatWidth(width))
		}
		if prec, ok := f.Precision(); ok {
			options = append(options, number.Precision(prec))
		}
		wrapped = number.Decimal(val, options...)
	}
	var format string
	if width, ok := f.Width(); ok {
		width -= utf8.RuneCountInString(suffix)
		format = fmtutil.FmtStateStringWidth(f, verb, width)
	} else {
		format = fmtutil.FmtStateString(f, verb)
	}
	_, _ = printer.Fprintf(f, format+"%s", wrapped, suffix)
}
