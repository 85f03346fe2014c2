package reconstruction

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// span is a half-open range [start, end) of slice or plane indices.
type span struct {
	start, end int
}

// partition splits n items into at most parts contiguous spans of nearly
// equal size.
func partition(n, parts int) []span {
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	spans := make([]span, 0, parts)
	for p := 0; p < parts; p++ {
		spans = append(spans, span{start: p * n / parts, end: (p + 1) * n / parts})
	}
	return spans
}

// workers returns the number of goroutines parallel uses for n items.
func (r *Reconstructor) workers(n int) int {
	return len(partition(n, r.params.NumCores))
}

// parallel runs fn once per span of n items, one goroutine per span, and
// waits for all of them. fn receives the worker number, which indexes any
// per-worker partial accumulators.
func (r *Reconstructor) parallel(n int, fn func(worker int, s span)) {
	var wg sync.WaitGroup
	for w, s := range partition(n, r.params.NumCores) {
		wg.Add(1)
		go func(worker int, s span) {
			defer wg.Done()
			fn(worker, s)
		}(w, s)
	}
	wg.Wait()
}

// newPartials allocates one zeroed accumulator of length size per worker.
func newPartials(workers, size int) [][]float64 {
	out := make([][]float64, workers)
	for i := range out {
		out[i] = make([]float64, size)
	}
	return out
}

// mergePartials adds the worker accumulators into dst in worker order, so
// the result does not depend on goroutine scheduling.
func mergePartials(dst []float64, partials [][]float64) {
	for _, p := range partials {
		floats.Add(dst, p)
	}
}
