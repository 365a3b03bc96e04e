// Package workers runs data-parallel per-pixel work on a shared goroutine pool.
package workers

import (
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// minChunk is the smallest number of indexes handed to one task.
const minChunk = 4096

var (
	pool     *ants.Pool
	poolErr  error
	poolOnce sync.Once
)

func sharedPool() (*ants.Pool, error) {
	poolOnce.Do(func() {
		pool, poolErr = ants.NewPool(runtime.GOMAXPROCS(0))
	})
	return pool, poolErr
}

// Range splits [0, n) into contiguous chunks and calls fn(lo, hi) for each
// chunk on the shared pool, returning once every chunk is done. Chunks never
// overlap, so fn may write to index-addressed outputs without locking.
// fn must not call Range itself.
func Range(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	p, err := sharedPool()
	if err != nil || n <= minChunk {
		fn(0, n)
		return
	}

	chunks := p.Cap()
	size := (n + chunks - 1) / chunks
	if size < minChunk {
		size = minChunk
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(lo, hi)
		}
		if err := p.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
}
