package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Match is one planned execution against a resting maker.
// Maker points at the live resting order and must be treated as read-only.
type Match struct {
	Maker *Order
	Price decimal.Decimal
	Qty   int64
}

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Qty    int64           `json:"qty"`
	Orders int             `json:"orders"`
}

// OrderBook holds the open orders of one instrument. Planning a match never mutates
// the book; changes arrive through Rest, Update and Remove once they are durable.
type OrderBook struct {
	mu sync.RWMutex

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO matching at each price)
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Order index for O(1) cancellation
	orderIndex map[string]*Order

	bidDepth int64
	askDepth int64
}

func NewOrderBook() *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &OrderBook{
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		orderIndex: make(map[string]*Order),
	}
}

// Rest adds an open order to the back of its price level.
func (ob *OrderBook) Rest(o *Order) error {
	if o.IsTerminal() || o.QuantityRemaining <= 0 {
		return fmt.Errorf("cannot rest order %s: status=%s remaining=%d", o.ID, o.Status, o.QuantityRemaining)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orderIndex[o.ID]; exists {
		return fmt.Errorf("order %s already resting", o.ID)
	}

	p := Tick(o.Price)
	if o.Side == Buy {
		if len(ob.bids[p]) == 0 {
			heap.Push(ob.bidHeap, p)
		}
		ob.bids[p] = append(ob.bids[p], o)
		ob.bidDepth += o.QuantityRemaining
	} else {
		if len(ob.asks[p]) == 0 {
			heap.Push(ob.askHeap, p)
		}
		ob.asks[p] = append(ob.asks[p], o)
		ob.askDepth += o.QuantityRemaining
	}
	ob.orderIndex[o.ID] = o
	return nil
}

// Update overwrites a resting order with its committed successor. Quantity may only
// shrink; an order that became terminal or empty leaves the book.
func (ob *OrderBook) Update(next *Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	live, ok := ob.orderIndex[next.ID]
	if !ok {
		return fmt.Errorf("order %s not resting", next.ID)
	}
	if next.QuantityRemaining > live.QuantityRemaining {
		return fmt.Errorf("order %s cannot grow: %d -> %d", next.ID, live.QuantityRemaining, next.QuantityRemaining)
	}

	ob.adjustDepth(live.Side, next.QuantityRemaining-live.QuantityRemaining)
	*live = *next
	if live.IsTerminal() || live.QuantityRemaining == 0 {
		ob.detach(live)
	}
	return nil
}

// Remove takes an order off the book, returning the removed order.
func (ob *OrderBook) Remove(id string) (*Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orderIndex[id]
	if !ok {
		return nil, false
	}
	ob.adjustDepth(o.Side, -o.QuantityRemaining)
	ob.detach(o)
	return o, true
}

func (ob *OrderBook) adjustDepth(side Side, delta int64) {
	if side == Buy {
		ob.bidDepth += delta
	} else {
		ob.askDepth += delta
	}
}

// detach unlinks o from its level, dropping the level when it empties. Caller holds mu.
func (ob *OrderBook) detach(o *Order) {
	delete(ob.orderIndex, o.ID)

	p := Tick(o.Price)
	levels := ob.asks
	if o.Side == Buy {
		levels = ob.bids
	}

	arr := levels[p]
	for i, cur := range arr {
		if cur.ID == o.ID {
			levels[p] = append(arr[:i:i], arr[i+1:]...)
			break
		}
	}
	if len(levels[p]) > 0 {
		return
	}

	delete(levels, p)
	if o.Side == Buy {
		ob.removeFromBidHeap(p)
	} else {
		ob.removeFromAskHeap(p)
	}
}

// removeFromBidHeap removes a price level from the bid heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromBidHeap(price int64) {
	for i := 0; i < ob.bidHeap.Len(); i++ {
		if (*ob.bidHeap)[i] == price {
			heap.Remove(ob.bidHeap, i)
			return
		}
	}
}

// removeFromAskHeap removes a price level from the ask heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromAskHeap(price int64) {
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i] == price {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

// MatchBuy plans a bid of qty at limit against asks priced ≤ limit, best price first
// then oldest first. At most maxInspect makers are considered; capped reports that the
// plan stopped there while a crossing ask was still waiting.
func (ob *OrderBook) MatchBuy(limit decimal.Decimal, qty int64, maxInspect int) (plan []Match, capped bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	limitTick := Tick(limit)
	return walk(ob.askHeap.clone(), ob.asks, qty, maxInspect, func(p int64) bool { return p <= limitTick })
}

// MatchSell plans an ask of qty at limit against bids priced ≥ limit, best price first
// then oldest first.
func (ob *OrderBook) MatchSell(limit decimal.Decimal, qty int64, maxInspect int) (plan []Match, capped bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	limitTick := Tick(limit)
	return walk(ob.bidHeap.clone(), ob.bids, qty, maxInspect, func(p int64) bool { return p >= limitTick })
}

func walk(h heap.Interface, levels map[int64][]*Order, qty int64, maxInspect int, crosses func(int64) bool) ([]Match, bool) {
	var plan []Match
	inspected := 0

	for qty > 0 && h.Len() > 0 {
		p := heap.Pop(h).(int64)
		if !crosses(p) {
			return plan, false
		}
		for _, maker := range levels[p] {
			if qty == 0 {
				break
			}
			if inspected >= maxInspect {
				return plan, true
			}
			inspected++
			take := min(qty, maker.QuantityRemaining)
			plan = append(plan, Match{Maker: maker, Price: maker.Price, Qty: take})
			qty -= take
		}
	}
	return plan, false
}

// Depth returns the total resting quantity on one side.
func (ob *OrderBook) Depth(side Side) int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if side == Buy {
		return ob.bidDepth
	}
	return ob.askDepth
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orderIndex)
}

// GetBidLevels returns bid levels sorted high to low (best bid first).
func (ob *OrderBook) GetBidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := aggregate(ob.bids)
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	return levels
}

// GetAskLevels returns ask levels sorted low to high (best ask first).
func (ob *OrderBook) GetAskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := aggregate(ob.asks)
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

func aggregate(side map[int64][]*Order) []PriceLevel {
	levels := make([]PriceLevel, 0, len(side))
	for _, orders := range side {
		if len(orders) == 0 {
			continue
		}
		var total int64
		for _, o := range orders {
			total += o.QuantityRemaining
		}
		levels = append(levels, PriceLevel{Price: orders[0].Price, Qty: total, Orders: len(orders)})
	}
	return levels
}

// BestBid returns the highest bid price, false when there are no bids.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.bidHeap.Len() == 0 {
		return decimal.Zero, false
	}
	return ob.bids[(*ob.bidHeap)[0]][0].Price, true
}

// BestAsk returns the lowest ask price, false when there are no asks.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.askHeap.Len() == 0 {
		return decimal.Zero, false
	}
	return ob.asks[(*ob.askHeap)[0]][0].Price, true
}
