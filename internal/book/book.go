// Package book provides the priority-ordered bid book.
//
// The Book holds every pending bid, ordered by willingness to pay:
//   - primary: higher max-price-per-second first
//   - tie-break: earlier createdAt first (FIFO among equal prices)
//
// Internally it is a binary max-heap plus an id index, so admission, removal
// by id, and pop are all O(log n). The Book exclusively owns admitted bids;
// accessors hand out copies. It is concurrency-safe (RWMutex protected),
// though all writes in practice arrive serialized through the matcher.
package book

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"attnmarket-engine/pkg/types"
)

// Programmer errors. Admitting a duplicate or non-pending bid, or updating a
// bid that is not in the book, means the caller's bookkeeping is wrong;
// callers surface these instead of repairing them.
var (
	ErrDuplicateBid = errors.New("bid id already in book")
	ErrNotPending   = errors.New("bid is not pending")
	ErrBidNotFound  = errors.New("bid not in book")
)

// entry wraps a bid with its heap bookkeeping. seq is a monotonic insertion
// counter used as the final comparator so bids with identical price and
// createdAt still keep arrival order.
type entry struct {
	bid   types.Bid
	seq   uint64
	index int // position in the heap slice, maintained by Swap
}

// bidHeap implements heap.Interface over *entry.
type bidHeap []*entry

func (h bidHeap) Len() int { return len(h) }

func (h bidHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.bid.MaxPricePerSecond != b.bid.MaxPricePerSecond {
		return a.bid.MaxPricePerSecond > b.bid.MaxPricePerSecond
	}
	if !a.bid.CreatedAt.Equal(b.bid.CreatedAt) {
		return a.bid.CreatedAt.Before(b.bid.CreatedAt)
	}
	return a.seq < b.seq
}

func (h bidHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *bidHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *bidHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Book is the priced bid queue.
type Book struct {
	mu      sync.RWMutex
	heap    bidHeap
	byID    map[string]*entry
	nextSeq uint64
}

// New creates an empty book.
func New() *Book {
	return &Book{byID: make(map[string]*entry)}
}

// Add admits a bid to the book. The bid must be Pending and its id must not
// already be present; both violations are programmer errors.
func (b *Book) Add(bid types.Bid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bid.Status != types.BidPending {
		return fmt.Errorf("%w: %s has status %s", ErrNotPending, bid.ID, bid.Status)
	}
	if _, exists := b.byID[bid.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBid, bid.ID)
	}

	e := &entry{bid: bid, seq: b.nextSeq}
	b.nextSeq++
	heap.Push(&b.heap, e)
	b.byID[bid.ID] = e
	return nil
}

// PeekTop returns the highest-priority bid without removing it.
func (b *Book) PeekTop() (types.Bid, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.heap) == 0 {
		return types.Bid{}, false
	}
	return b.heap[0].bid, true
}

// PopTop removes and returns the highest-priority bid.
func (b *Book) PopTop() (types.Bid, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.heap) == 0 {
		return types.Bid{}, false
	}
	e := heap.Pop(&b.heap).(*entry)
	delete(b.byID, e.bid.ID)
	return e.bid, true
}

// RemoveByID removes a bid from any position in O(log n). heap.Remove
// restores the heap property from the vacated slot: sift-down first, then
// sift-up if the replacement outranks its parent.
func (b *Book) RemoveByID(id string) (types.Bid, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byID[id]
	if !ok {
		return types.Bid{}, false
	}
	heap.Remove(&b.heap, e.index)
	delete(b.byID, id)
	return e.bid, true
}

// GetByID returns a copy of the booked bid.
func (b *Book) GetByID(id string) (types.Bid, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.byID[id]
	if !ok {
		return types.Bid{}, false
	}
	return e.bid, true
}

// UpdateStatus sets the status of a booked bid, typically right before the
// bid leaves the book (cancel, expiry). Updating an unknown id is a
// programmer error.
func (b *Book) UpdateStatus(id string, status types.BidStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBidNotFound, id)
	}
	e.bid.Status = status
	return nil
}

// PruneExpired removes every bid whose expiry has passed and returns them
// with status Expired. O(n) scan plus O(log n) per removal.
func (b *Book) PruneExpired(now time.Time) []types.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stale []*entry
	for _, e := range b.heap {
		if e.bid.Expired(now) {
			stale = append(stale, e)
		}
	}

	expired := make([]types.Bid, 0, len(stale))
	for _, e := range stale {
		e.bid.Status = types.BidExpired
		heap.Remove(&b.heap, e.index)
		delete(b.byID, e.bid.ID)
		expired = append(expired, e.bid)
	}
	return expired
}

// Size returns the number of booked bids.
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.heap)
}

// SnapshotAbovePrice returns copies of all bids with max price at or above
// floor, in book order (price descending, then FIFO). Intended for the ops
// API; it is an O(n log n) scan and does not disturb the heap.
func (b *Book) SnapshotAbovePrice(floor types.Micro) []types.Bid {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*entry
	for _, e := range b.heap {
		if e.bid.MaxPricePerSecond >= floor {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.bid.MaxPricePerSecond != c.bid.MaxPricePerSecond {
			return a.bid.MaxPricePerSecond > c.bid.MaxPricePerSecond
		}
		if !a.bid.CreatedAt.Equal(c.bid.CreatedAt) {
			return a.bid.CreatedAt.Before(c.bid.CreatedAt)
		}
		return a.seq < c.seq
	})

	bids := make([]types.Bid, len(out))
	for i, e := range out {
		bids[i] = e.bid
	}
	return bids
}
