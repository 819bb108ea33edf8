// Copyright (c) 2021 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wbuf_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nio-ev/nio/internal/wbuf"
)

func TestQueuePartialAdvance(t *testing.T) {
	var q wbuf.Queue
	released := false
	q.PushBack(&wbuf.Entry{Data: []byte("hello"), Release: func(err error) {
		released = true
		assert.NoError(t, err)
	}})

	require.Equal(t, 5, len(q.Pending()))
	assert.False(t, q.Advance(2))
	assert.Equal(t, []byte("llo"), q.Pending())
	assert.False(t, released)

	assert.True(t, q.Advance(3))
	assert.True(t, released)
	assert.True(t, q.IsEmpty())
}

func TestQueueMultipleEntriesFIFO(t *testing.T) {
	var q wbuf.Queue
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		q.PushBack(&wbuf.Entry{Data: []byte{byte(i)}, Release: func(error) {
			order = append(order, i)
		}})
	}
	require.Equal(t, 3, q.Len())
	for i := 0; i < 3; i++ {
		assert.True(t, q.Advance(1))
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.True(t, q.IsEmpty())
}

func TestQueueDiscardAllReleasesEveryEntryExactlyOnce(t *testing.T) {
	var q wbuf.Queue
	releaseErr := errors.New("reset")
	counts := make([]int, 3)
	for i := 0; i < 3; i++ {
		i := i
		q.PushBack(&wbuf.Entry{Data: []byte("x"), Release: func(err error) {
			counts[i]++
			assert.Equal(t, releaseErr, err)
		}})
	}
	q.DiscardAll(releaseErr)
	for _, c := range counts {
		assert.Equal(t, 1, c)
	}
	assert.True(t, q.IsEmpty())
	assert.Equal(t, int64(0), q.Bytes())

	// DiscardAll on an already-empty queue must not re-invoke anything.
	q.DiscardAll(releaseErr)
	for _, c := range counts {
		assert.Equal(t, 1, c)
	}
}

func TestQueueBytesAccounting(t *testing.T) {
	var q wbuf.Queue
	q.PushBack(&wbuf.Entry{Data: make([]byte, 10)})
	q.PushBack(&wbuf.Entry{Data: make([]byte, 5)})
	assert.EqualValues(t, 15, q.Bytes())
	q.Advance(4)
	assert.EqualValues(t, 11, q.Bytes())
}
