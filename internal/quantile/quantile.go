package quantile

import (
	"math"
	"sort"
)

// Quantile is a collection of duration samples, in nanoseconds.
type Quantile struct {
	// Xs is the slice of sample values.
	Xs []uint64

	// Sorted indicates that Xs is sorted in ascending order.
	Sorted bool
}

func (q *Quantile) Add(v ...uint64) {
	q.Xs = append(q.Xs, v...)
	q.Sorted = false
}

func (q Quantile) Len() int {
	return len(q.Xs)
}

// Bounds returns the minimum and maximum values of the Quantile.
//
// This is constant time if q.Sorted.
func (q Quantile) Bounds() (min uint64, max uint64) {
	if len(q.Xs) == 0 {
		return 0, 0
	}
	if q.Sorted {
		return q.Xs[0], q.Xs[len(q.Xs)-1]
	}
	min, max = q.Xs[0], q.Xs[0]
	for _, x := range q.Xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return
}

// Sum returns the sum of the Quantile.
func (q Quantile) Sum() uint64 {
	var sum uint64
	for _, x := range q.Xs {
		sum += x
	}
	return sum
}

// Mean returns the arithmetic mean of the Quantile.
func (q Quantile) Mean() float64 {
	if len(q.Xs) == 0 {
		return math.NaN()
	}
	m := 0.0
	for i, x := range q.Xs {
		m += (float64(x) - m) / float64(i+1)
	}
	return m
}

// Percentile returns the nearest rank pctileth value: the sample at index
// ceil((n-1)*pctile) once sorted.
//
// pctile will be capped to the range [0, 1]. If len(xs) == 0, returns 0.
//
// This is constant time if q.Sorted.
func (q Quantile) Percentile(pctile float64) uint64 {
	if len(q.Xs) == 0 {
		return 0
	} else if pctile <= 0 {
		min, _ := q.Bounds()
		return min
	} else if pctile >= 1 {
		_, max := q.Bounds()
		return max
	}

	if !q.Sorted {
		q = *q.Copy().Sort()
	}
	i := int(math.Ceil(float64(len(q.Xs)-1) * pctile))
	if i >= len(q.Xs) {
		i = len(q.Xs) - 1
	}
	return q.Xs[i]
}

// Sort sorts the samples in place in q and returns q.
func (q *Quantile) Sort() *Quantile {
	if !q.Sorted {
		sort.Slice(q.Xs, func(i, j int) bool { return q.Xs[i] < q.Xs[j] })
	}
	q.Sorted = true
	return q
}

// Copy returns a copy of the Quantile.
//
// The returned Quantile shares no data with the original, so they can
// be modified (for example, sorted) independently.
func (q Quantile) Copy() *Quantile {
	xs := make([]uint64, len(q.Xs))
	copy(xs, q.Xs)
	return &Quantile{Xs: xs, Sorted: q.Sorted}
}
