package orderbook

// MaxPriceHeap implements heap.Interface for bid ticks (highest price on top)
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type MaxPriceHeap []int64

func (h MaxPriceHeap) Len() int           { return len(h) }
func (h MaxPriceHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h MaxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MaxPriceHeap) Push(x any) {
	*h = append(*h, x.(int64))
}

func (h *MaxPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// MinPriceHeap implements heap.Interface for ask ticks (lowest price on top)
type MinPriceHeap []int64

func (h MinPriceHeap) Len() int           { return len(h) }
func (h MinPriceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h MinPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinPriceHeap) Push(x any) {
	*h = append(*h, x.(int64))
}

func (h *MinPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// clone returns an independent copy so a walk can pop without touching the book.
func (h *MaxPriceHeap) clone() *MaxPriceHeap {
	cp := append(MaxPriceHeap(nil), (*h)...)
	return &cp
}

func (h *MinPriceHeap) clone() *MinPriceHeap {
	cp := append(MinPriceHeap(nil), (*h)...)
	return &cp
}
