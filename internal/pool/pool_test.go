// Copyright (c) 2019 Andy Pan
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

package pool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nio-ev/nio/internal/pool"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p, err := pool.New(4)
	require.NoError(t, err)
	defer p.Close()

	const n = 200
	var ran int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(&pool.Task{
			Run:  func() { atomic.AddInt32(&ran, 1) },
			Done: wg.Done,
		}))
	}
	wg.Wait()
	assert.EqualValues(t, n, atomic.LoadInt32(&ran))
}

func TestPoolDefaultSizeOnNonPositive(t *testing.T) {
	p, err := pool.New(0)
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(&pool.Task{Run: func() {}, Done: func() { close(done) }}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPoolSubmitAfterCloseFails(t *testing.T) {
	p, err := pool.New(2)
	require.NoError(t, err)
	p.Close()

	err = p.Submit(&pool.Task{Run: func() {}, Done: func() {}})
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	p, err := pool.New(2)
	require.NoError(t, err)
	p.Close()
	assert.NotPanics(t, func() { p.Close() })
}
