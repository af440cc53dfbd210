package core

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MempoolMax is the bounded capacity of the transaction pool.
const MempoolMax = 50000

// ErrMempoolFull is returned by TryAdd when the newly inserted transaction
// was itself among the entries evicted to restore the capacity bound.
var ErrMempoolFull = errors.New("core: mempool out of memory")

// Mempool is a bounded, fee-prioritized, concurrent transaction pool.
// Contains/TryAdd/TryRemove are wait-free with respect to each other
// (backed by sync.Map); eviction and reinsertion are the only operations
// that take a full pass over the contents.
type Mempool struct {
	items    sync.Map // Hash256 -> *Transaction
	count    int64
	capacity int
}

// NewMempool constructs an empty pool with the given capacity.
func NewMempool(capacity int) *Mempool {
	return &Mempool{capacity: capacity}
}

// Contains reports whether hash is currently pooled.
func (m *Mempool) Contains(hash Hash256) bool {
	_, ok := m.items.Load(hash)
	return ok
}

// TryAdd inserts tx if its hash is absent, then enforces the capacity
// bound by evicting the lowest-priority entries. Returns
// (false, nil) if tx was already present, (false, ErrMempoolFull) if tx
// itself ended up among the evicted, and (true, nil) on success.
func (m *Mempool) TryAdd(tx *Transaction) (bool, error) {
	hash := tx.Hash()
	if _, loaded := m.items.LoadOrStore(hash, tx); loaded {
		return false, nil
	}
	atomic.AddInt64(&m.count, 1)

	if err := m.evictToCapacity(); err != nil {
		return false, err
	}
	if !m.Contains(hash) {
		return false, ErrMempoolFull
	}
	return true, nil
}

// TryRemove deletes hash if present, returning whether it was found.
func (m *Mempool) TryRemove(hash Hash256) bool {
	if _, loaded := m.items.LoadAndDelete(hash); loaded {
		atomic.AddInt64(&m.count, -1)
		return true
	}
	return false
}

// Len reports the current pool size.
func (m *Mempool) Len() int {
	return int(atomic.LoadInt64(&m.count))
}

// Iter returns a consistent-at-call-time snapshot of the pooled
// transactions; concurrent writes during the call may or may not be
// reflected.
func (m *Mempool) Iter() []*Transaction {
	out := make([]*Transaction, 0, m.Len())
	m.items.Range(func(_, v any) bool {
		out = append(out, v.(*Transaction))
		return true
	})
	return out
}

// priorityTriple is the ascending eviction ordering key:
// fee density, then absolute network fee, then hash as a big-endian
// integer, all ascending — the lowest triple is evicted first.
type priorityTriple struct {
	tx      *Transaction
	density float64
	fee     Fixed8
}

func (p priorityTriple) less(o priorityTriple) bool {
	if p.density != o.density {
		return p.density < o.density
	}
	if p.fee != o.fee {
		return p.fee < o.fee
	}
	return p.tx.Hash().Less(o.tx.Hash())
}

func computeTriples(txs []*Transaction) []priorityTriple {
	out := make([]priorityTriple, len(txs))
	for i, tx := range txs {
		fee := tx.NetworkFee()
		size := tx.Size()
		out[i] = priorityTriple{tx: tx, density: float64(fee) / float64(size), fee: fee}
	}
	return out
}

// parallelSortAscending sorts triples ascending by priority. The sort is a
// pure function of its input, so each worker sorts an independent chunk
// concurrently and the chunks are merged with a k-way merge.
func parallelSortAscending(triples []priorityTriple) []priorityTriple {
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 || len(triples) < workers*64 {
		sort.Slice(triples, func(i, j int) bool { return triples[i].less(triples[j]) })
		return triples
	}

	chunkSize := (len(triples) + workers - 1) / workers
	chunks := make([][]priorityTriple, 0, workers)
	for start := 0; start < len(triples); start += chunkSize {
		end := start + chunkSize
		if end > len(triples) {
			end = len(triples)
		}
		chunks = append(chunks, triples[start:end])
	}

	var g errgroup.Group
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			sort.Slice(c, func(i, j int) bool { return c[i].less(c[j]) })
			return nil
		})
	}
	_ = g.Wait() // sort.Slice never errors; worker funcs always return nil

	return mergeSortedChunks(chunks, len(triples))
}

// mergeSortedChunks performs a k-way merge of already-sorted chunks.
func mergeSortedChunks(chunks [][]priorityTriple, total int) []priorityTriple {
	heads := make([]int, len(chunks))
	out := make([]priorityTriple, 0, total)
	for len(out) < total {
		best := -1
		for i, h := range heads {
			if h >= len(chunks[i]) {
				continue
			}
			if best == -1 || chunks[i][h].less(chunks[best][heads[best]]) {
				best = i
			}
		}
		out = append(out, chunks[best][heads[best]])
		heads[best]++
	}
	return out
}

// evictToCapacity removes the lowest-priority entries until the pool is at
// or below capacity.
func (m *Mempool) evictToCapacity() error {
	over := m.Len() - m.capacity
	if over <= 0 {
		return nil
	}
	triples := parallelSortAscending(computeTriples(m.Iter()))
	for i := 0; i < over && i < len(triples); i++ {
		m.TryRemove(triples[i].tx.Hash())
	}
	return nil
}

// DescendingForReinsertion returns every pooled transaction ordered by
// descending priority, used to re-offer the pool's remainder after a
// block persists.
func (m *Mempool) DescendingForReinsertion() []*Transaction {
	triples := parallelSortAscending(computeTriples(m.Iter()))
	out := make([]*Transaction, len(triples))
	for i, t := range triples {
		out[len(triples)-1-i] = t.tx
	}
	return out
}

// Clear removes every pooled transaction and returns what was removed.
// The ingestion dispatcher's OnPersistCompleted handler takes its own
// ordered copy via DescendingForReinsertion before calling Clear and
// re-submits that copy inline, so it does not use the returned slice.
func (m *Mempool) Clear() []*Transaction {
	all := m.Iter()
	for _, tx := range all {
		m.TryRemove(tx.Hash())
	}
	return all
}
