package icp

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the buffer size below which per-point work runs on the
// calling goroutine.
const parallelThreshold = 4096

// chunks splits [0, n) into at most GOMAXPROCS contiguous ranges.
func chunks(n int) [][2]int {
	if n <= 0 {
		return nil
	}
	if n < parallelThreshold {
		return [][2]int{{0, n}}
	}
	workers := runtime.GOMAXPROCS(0)
	size := (n + workers - 1) / workers
	out := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// forEachChunk runs fn over disjoint index ranges covering [0, n).
// fn must only write state owned by its own range.
func forEachChunk(n int, fn func(lo, hi int)) {
	parts := chunks(n)
	if len(parts) == 1 {
		fn(parts[0][0], parts[0][1])
		return
	}
	var g errgroup.Group
	for _, p := range parts {
		g.Go(func() error {
			fn(p[0], p[1])
			return nil
		})
	}
	_ = g.Wait()
}

// reduceChunks computes one partial result per range concurrently, then
// merges the partials in range order so the result does not depend on scheduling.
func reduceChunks[T any](n int, partial func(lo, hi int) T, merge func(acc, next T) T) T {
	parts := chunks(n)
	var zero T
	if len(parts) == 0 {
		return zero
	}
	results := make([]T, len(parts))
	if len(parts) == 1 {
		results[0] = partial(parts[0][0], parts[0][1])
	} else {
		var g errgroup.Group
		for i, p := range parts {
			g.Go(func() error {
				results[i] = partial(p[0], p[1])
				return nil
			})
		}
		_ = g.Wait()
	}
	acc := results[0]
	for _, r := range results[1:] {
		acc = merge(acc, r)
	}
	return acc
}
