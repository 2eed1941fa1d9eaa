// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

// Generation is a transaction ID.  Every node and every block pointer
// records the generation that last wrote it.
type Generation uint64
