package kvcache

import "container/heap"

// minIndexHeap is a container/heap-backed min-heap of free physical block
// indices. Picking the lowest free index keeps allocation deterministic,
// which matters for the conservation-invariant tests.
type minIndexHeap struct {
	data intHeap
}

func newMinIndexHeap(totalBlocks int) *minIndexHeap {
	h := &minIndexHeap{data: make(intHeap, totalBlocks)}
	for i := range h.data {
		h.data[i] = i
	}
	heap.Init(&h.data)
	return h
}

func (h *minIndexHeap) Len() int { return h.data.Len() }

func (h *minIndexHeap) PopMin() int {
	return heap.Pop(&h.data).(int)
}

func (h *minIndexHeap) Push(v int) {
	heap.Push(&h.data, v)
}

// intHeap implements heap.Interface over a plain []int.
type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
