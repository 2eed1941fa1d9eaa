// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssum_test

import (
	"bytes"
	"testing"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
)

func TestShortSumEncodeJSON(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		InputSum   btrfssum.ShortSum
		OutputJSON string
	}
	testcases := map[string]TestCase{
		"empty": {
			InputSum:   "",
			OutputJSON: `""`,
		},
		"short": {
			InputSum:   "xyz",
			OutputJSON: `"78797a"`,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()

			var jsonBuf bytes.Buffer
			assert.NoError(t, lowmemjson.NewEncoder(&jsonBuf).Encode(tc.InputSum))
			assert.Equal(t, tc.OutputJSON, jsonBuf.String())

			var rtSum btrfssum.ShortSum
			assert.NoError(t, lowmemjson.NewDecoder(&jsonBuf).DecodeThenEOF(&rtSum))
			assert.Equal(t, tc.InputSum, rtSum)
		})
	}
}

func FuzzShortSumJSONFuzz(f *testing.F) {
	f.Fuzz(func(t *testing.T, _inSum []byte) {
		t.Logf("in = %q", _inSum)
		inSum := btrfssum.ShortSum(_inSum)

		var jsonBuf bytes.Buffer
		assert.NoError(t, lowmemjson.NewEncoder(&jsonBuf).Encode(inSum))
		t.Logf("json = %q", jsonBuf.Bytes())

		var outSum btrfssum.ShortSum
		assert.NoError(t, lowmemjson.NewDecoder(&jsonBuf).DecodeThenEOF(&outSum))
		assert.Equal(t, inSum, outSum)
	})
}
