package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// HeaderChain holds the in-memory ordered sequence of canonical header
// hashes, indexed by block height from 0. A prefix of
// length StoredCount() (a multiple of HeaderBatchSize) has already
// been flushed to the HeaderHashList table; the suffix lives only in
// memory until the next flush.
type HeaderChain struct {
	mu sync.RWMutex

	index       []Hash256
	storedCount int
}

// HeaderBatchSize is the number of header hashes grouped into a single
// persisted HeaderHashList batch.
const HeaderBatchSize = 2000

// LoadHeaderChain reconstructs a HeaderChain at startup:
//  1. concatenate persisted HeaderHashList batches in key order;
//  2. if empty, recover from the Blocks cache ordered by index;
//  3. otherwise extend the in-memory suffix backward from the persisted
//     HeaderHashIndex tip via TrimmedBlock.PrevHash until it reaches the
//     stored prefix;
//  4. the genesis-persisting caller is responsible for step 4 (empty
//     chain -> persist GenesisBlock) since that requires the persist
//     engine, not just the header chain.
func LoadHeaderChain(snap *Snapshot) (*HeaderChain, error) {
	keys, lists, err := snap.HeaderHashList.Find(nil)
	if err != nil {
		return nil, fmt.Errorf("core: load header hash lists: %w", err)
	}
	hc := &HeaderChain{}
	for i, k := range keys {
		if int(k) != len(hc.index) {
			return nil, fmt.Errorf("core: header hash list gap at batch starting %d", k)
		}
		hc.index = append(hc.index, lists[i].Hashes...)
	}
	hc.storedCount = len(hc.index)

	if len(hc.index) == 0 {
		if err := hc.recoverFromBlocks(snap); err != nil {
			return nil, err
		}
		if len(hc.index) > 0 {
			return hc, nil
		}
	}

	if tip, ok := snap.HeaderHashIndex.TryGet(headerHashIndexKey); ok {
		if int(tip.Index)+1 > len(hc.index) {
			if err := hc.extendFromTip(snap, tip); err != nil {
				return nil, err
			}
		}
	}
	return hc, nil
}

// recoverFromBlocks rebuilds the header index from persisted blocks when no
// HeaderHashList batches exist yet, the partially-persisted ledger recovery
// path. It walks the Blocks table since there is no secondary height
// index; acceptable because this path only runs once, at startup, on
// stores that never got far enough to flush a header batch.
func (hc *HeaderChain) recoverFromBlocks(snap *Snapshot) error {
	tip, ok := snap.BlockHashIndex.TryGet(blockHashIndexKey)
	if !ok {
		return nil
	}
	hashes := make([]Hash256, tip.Index+1)
	h := tip.Hash
	for {
		rec, err := snap.Blocks.Get(h)
		if err != nil {
			return fmt.Errorf("core: recover header chain: missing block %s: %w", h, err)
		}
		hashes[rec.Trimmed.Header.Index] = h
		if rec.Trimmed.Header.Index == 0 {
			break
		}
		h = rec.Trimmed.Header.PrevHash
	}
	hc.index = hashes
	return nil
}

// extendFromTip walks TrimmedBlock.PrevHash backward from the persisted
// header tip until the in-memory suffix reaches the stored prefix length.
func (hc *HeaderChain) extendFromTip(snap *Snapshot, tip *HashIndexState) error {
	suffix := make([]Hash256, int(tip.Index)+1-len(hc.index))
	h := tip.Hash
	for i := len(suffix) - 1; i >= 0; i-- {
		suffix[i] = h
		hdr, err := snap.HeaderByHash(h)
		if err != nil {
			return fmt.Errorf("core: extend header chain: missing header %s: %w", h, err)
		}
		h = hdr.PrevHash
	}
	hc.index = append(hc.index, suffix...)
	return nil
}

// Height returns the index of the last known header, or -1 if empty.
func (hc *HeaderChain) Height() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.index) - 1
}

// Len returns the number of known headers.
func (hc *HeaderChain) Len() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.index)
}

// Get returns the hash at index, or the zero hash if out of range.
func (hc *HeaderChain) Get(index Height) (Hash256, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if int(index) >= len(hc.index) {
		return Hash256{}, false
	}
	return hc.index[index], true
}

// Append extends the chain by one hash. Callers must have already verified
// header linkage and witness at height == Len().
func (hc *HeaderChain) Append(hash Hash256) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.index = append(hc.index, hash)
}

// SaveToStore peels off any complete HeaderBatchSize-sized chunks that have
// not yet been flushed and writes each as a HeaderHashList entry, advancing
// storedCount. It uses the caller's snapshot if given, otherwise opens and
// commits its own.
func (hc *HeaderChain) SaveToStore(store KVStore, snap *Snapshot) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if len(hc.index)-hc.storedCount < HeaderBatchSize {
		return nil
	}

	owned := snap == nil
	if owned {
		snap = NewSnapshot(store)
	}
	for len(hc.index)-hc.storedCount >= HeaderBatchSize {
		chunk := make([]Hash256, HeaderBatchSize)
		copy(chunk, hc.index[hc.storedCount:hc.storedCount+HeaderBatchSize])
		if err := snap.HeaderHashList.Add(Height(hc.storedCount), &HeaderHashList{Hashes: chunk}); err != nil {
			return fmt.Errorf("core: save header hash list batch %d: %w", hc.storedCount, err)
		}
		hc.storedCount += HeaderBatchSize
	}
	if owned {
		if err := snap.Commit(); err != nil {
			return fmt.Errorf("core: commit header hash lists: %w", err)
		}
	}
	logrus.WithField("storedHeaderCount", hc.storedCount).Info("header hash list batch flushed")
	return nil
}

// StoredCount reports how many header hashes have been flushed to the
// HeaderHashList table.
func (hc *HeaderChain) StoredCount() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.storedCount
}
