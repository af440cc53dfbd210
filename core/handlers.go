package core

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ImportResult reports how many of a bulk Import's blocks were applied
// before either success or a fatal ordering error (spec.md §4.6 Import).
type ImportResult struct {
	Imported int
	Err      error
}

// abort is the dispatcher's reaction to a committed-state invariant
// violation ("commits are atomic; a failed commit is fatal").
// It panics on the actor goroutine; run()'s deferred recover logs and
// re-panics after the message is flushed, rather than letting the ledger
// continue serving reads against a store it can no longer trust.
func abort(err error) {
	logrus.WithError(err).Error("core: fatal ledger invariant violation, aborting")
	panic(err)
}

// persistOne runs Persist+Commit for a single block and refreshes
// currentSnapshot, aborting the process on any failure since a failed
// commit after Persist has already validated the block means the store
// itself is broken.
func (l *Ledger) persistOne(block *Block) error {
	s, result, err := Persist(l.store, l.headerChain, l.governingAssetID, block)
	if err != nil {
		return fmt.Errorf("core: persist block %d: %w", block.Header.Index, err)
	}
	if err := s.Commit(); err != nil {
		abort(fmt.Errorf("commit block %d: %w", block.Header.Index, err))
	}
	l.swapSnapshot(NewSnapshot(l.store))
	l.onPersistCompleted(block, result)
	return nil
}

// onPersistCompleted runs the post-commit bookkeeping every persisted
// block triggers (spec.md §4.6 OnPersistCompleted):
//  1. drop the block from blockCache (it is no longer a pending branch);
//  2. remove its included transactions from the mempool;
//  3. copy out the remaining pool contents in descending priority and
//     clear it, then re-validate and re-add each through the normal
//     transaction path against the just-refreshed snapshot. This runs
//     synchronously, inline, rather than through a self-send: the actor
//     is already processing this single message, so inlining trivially
//     satisfies "before any further Block/Header message is dequeued"
//     without relying on mailbox ordering across two priority channels
//     ("mempool reinsertion ordering").
//  4. notify the consensus sink and distribute lifecycle events to
//     subscribers.
func (l *Ledger) onPersistCompleted(block *Block, result *PersistResult) {
	delete(l.blockCache, block.Header.Index)

	for _, tx := range block.Transactions {
		l.mempool.TryRemove(tx.Hash())
	}

	pending := l.mempool.DescendingForReinsertion()
	l.mempool.Clear()
	for _, tx := range pending {
		l.onNewTransaction(tx)
	}

	if l.archiver != nil {
		if trimmed := l.blockDueForArchive(); trimmed != nil {
			if err := l.archiver.ArchiveIfDue(Height(l.Height()), trimmed); err != nil {
				logrus.WithError(err).Warn("core: block archival failed")
			}
		}
	}

	if l.consensus != nil {
		l.consensus.OnPersistCompleted(block)
	}
	l.distribute(PersistCompletedEvent{Block: block})
	for i := range result.AppResults {
		ar := result.AppResults[i]
		l.distribute(ApplicationExecutedEvent{
			Tx:      txByHash(block, ar.TxHash),
			Results: []ApplicationExecutionResult{ar},
		})
	}

	logrus.WithFields(logrus.Fields{
		"height": block.Header.Index,
		"hash":   block.Hash(),
		"txs":    len(block.Transactions),
	}).Info("block persisted")
}

// blockDueForArchive looks up the trimmed block retention blocks behind the
// current tip, the one ArchiveIfDue should consider archiving next. It
// returns nil before the chain is deep enough to have such a block.
func (l *Ledger) blockDueForArchive() *TrimmedBlock {
	retention := l.archiver.Retention()
	tip := l.Height()
	if retention <= 0 || tip < retention {
		return nil
	}
	target := Height(tip - retention)
	hash, ok := l.headerChain.Get(target)
	if !ok {
		return nil
	}
	rec, err := l.currentSnapshot.Blocks.Get(hash)
	if err != nil {
		return nil
	}
	return rec.Trimmed
}

func txByHash(block *Block, hash Hash256) *Transaction {
	for _, tx := range block.Transactions {
		if tx.Hash() == hash {
			return tx
		}
	}
	return nil
}

// withinRelayWindow reports whether index is close enough to the header
// tip to be worth rebroadcasting to peers ("blocks older than this are assumed already
// propagated and are not relayed again").
func (l *Ledger) withinRelayWindow(index Height) bool {
	tip := l.headerChain.Height()
	return tip-int(index) <= l.relayWindowBlocks
}

// -----------------------------------------------------------------------
// OnNewHeaders: extend the header chain ahead of the
// blocks themselves, batching the chain-linkage/witness checks and a
// single store commit per call.
// -----------------------------------------------------------------------

// OnNewHeaders validates and appends a batch of headers received from a
// peer's header sync response. Headers are processed in order; headers
// already in the chain are skipped, and the first one that fails to
// extend it (a height gap, unknown predecessor, broken linkage, bad
// witness) stops the batch without discarding headers already appended.
func (l *Ledger) OnNewHeaders(headers []*BlockHeader) {
	call(l, true, func() struct{} {
		l.onNewHeaders(headers)
		return struct{}{}
	})
}

func (l *Ledger) onNewHeaders(headers []*BlockHeader) {
	snap := NewSnapshot(l.store)
	accepted := 0
	for _, h := range headers {
		idx := int(h.Index)
		if idx < l.headerChain.Len() {
			continue
		}
		if idx > l.headerChain.Len() {
			break
		}
		prev, err := snap.HeaderByHash(h.PrevHash)
		if err != nil {
			logrus.WithError(err).Warn("core: header batch stopped, unknown predecessor")
			break
		}
		if err := h.VerifyLinkage(prev); err != nil {
			logrus.WithError(err).Warn("core: header batch stopped, bad linkage")
			break
		}
		if err := h.VerifyWitness(prev.NextConsensus); err != nil {
			logrus.WithError(err).Warn("core: header batch stopped, bad witness")
			break
		}
		hash := h.Hash()
		if err := snap.Headers.Add(hash, &TrimmedBlock{Header: *h}); err != nil {
			logrus.WithError(err).Warn("core: header batch stopped, store error")
			break
		}
		idxState := snap.HeaderHashIndex.GetAndChange(headerHashIndexKey, func() *HashIndexState { return &HashIndexState{} })
		idxState.Hash, idxState.Index = hash, h.Index
		l.headerChain.Append(hash)
		accepted++
	}

	if accepted == 0 {
		return
	}
	if err := l.headerChain.SaveToStore(l.store, snap); err != nil {
		abort(fmt.Errorf("save header batch: %w", err))
	}
	if err := snap.Commit(); err != nil {
		abort(fmt.Errorf("commit header batch: %w", err))
	}
	l.swapSnapshot(NewSnapshot(l.store))
	if l.taskManager != nil {
		l.taskManager.HeaderTaskCompleted()
	}
}

// -----------------------------------------------------------------------
// OnNewBlock: buffer out-of-order blocks, verify in-order
// ones against the header chain, and persist a contiguous run starting
// at the current tip.
// -----------------------------------------------------------------------

// OnNewBlock validates block and, if it (or a chain starting with it)
// extends the ledger, persists as much of the contiguous run as is
// already buffered.
func (l *Ledger) OnNewBlock(block *Block) RelayResultReason {
	return call(l, true, func() RelayResultReason { return l.onNewBlock(block) })
}

func (l *Ledger) onNewBlock(block *Block) RelayResultReason {
	height := l.Height()
	idx := int(block.Header.Index)

	if idx <= height {
		return RelayAlreadyExists
	}
	if _, ok := l.blockCache[block.Header.Index]; ok {
		return RelayAlreadyExists
	}
	if _, ok := l.blockCacheUnverified[block.Header.Index]; ok {
		return RelayAlreadyExists
	}

	hcLen := l.headerChain.Len()
	if idx > hcLen {
		// No header yet to verify against: buffer it
		// ("block_cache_unverified"). It is re-dispatched only once the
		// block just before it persists.
		l.blockCacheUnverified[block.Header.Index] = block
		return RelayUnableToVerify
	}

	snap := l.CurrentSnapshot()
	if idx == hcLen {
		prev, err := snap.HeaderByHash(block.Header.PrevHash)
		if err != nil {
			return RelayInvalid
		}
		if err := block.Verify(prev); err != nil {
			return RelayInvalid
		}
	} else {
		expected, ok := l.headerChain.Get(block.Header.Index)
		if !ok || expected != block.Hash() {
			return RelayInvalid
		}
		hashes := make([]Hash256, len(block.Transactions))
		for i, tx := range block.Transactions {
			hashes[i] = tx.Hash()
		}
		if block.Header.MerkleRoot != MerkleRoot(hashes) {
			return RelayInvalid
		}
	}

	if idx == height+1 {
		l.persistChainFrom(block)
		if l.localNode != nil && l.withinRelayWindow(block.Header.Index) {
			l.localNode.RelayDirectly(block)
		}
		if next, ok := l.blockCacheUnverified[Height(l.Height()+1)]; ok {
			delete(l.blockCacheUnverified, Height(l.Height()+1))
			unblocked := next
			l.sendHigh(func() { l.onNewBlock(unblocked) })
		}
		return RelaySucceed
	}

	l.blockCache[block.Header.Index] = block
	if idx == hcLen {
		l.headerChain.Append(block.Hash())
	}
	if l.localNode != nil && l.withinRelayWindow(block.Header.Index) {
		l.localNode.RelayDirectly(block)
	}
	return RelaySucceed
}

// persistChainFrom persists first and then every already-buffered block
// that contiguously follows it in blockCache ("persist as
// much of the contiguous run as is already buffered").
func (l *Ledger) persistChainFrom(first *Block) {
	blk := first
	for {
		if err := l.persistOne(blk); err != nil {
			abort(err)
		}
		next := Height(l.Height() + 1)
		nb, ok := l.blockCache[next]
		if !ok {
			break
		}
		delete(l.blockCache, next)
		blk = nb
	}
	if err := l.headerChain.SaveToStore(l.store, nil); err != nil {
		abort(fmt.Errorf("save header batch after persist: %w", err))
	}
}

// -----------------------------------------------------------------------
// OnNewTransaction: verify against the live snapshot and
// the rest of the pool, run the policy hook, then admit to the mempool.
// -----------------------------------------------------------------------

// OnNewTransaction validates tx and, if accepted, admits it to the pool
// and relays it onward.
func (l *Ledger) OnNewTransaction(tx *Transaction) RelayResultReason {
	return call(l, false, func() RelayResultReason { return l.onNewTransaction(tx) })
}

func (l *Ledger) onNewTransaction(tx *Transaction) RelayResultReason {
	if tx.Type == TxMiner {
		return RelayInvalid
	}
	hash := tx.Hash()
	if l.mempool.Contains(hash) {
		return RelayAlreadyExists
	}
	snap := l.CurrentSnapshot()
	if _, err := snap.Transactions.Get(hash); err == nil {
		return RelayAlreadyExists
	}
	if err := tx.Verify(snap, l.mempool.Iter()); err != nil {
		return RelayInvalid
	}
	if l.policy != nil {
		if err := l.policy(tx); err != nil {
			return RelayPolicyFail
		}
	}
	added, err := l.mempool.TryAdd(tx)
	if err != nil {
		return RelayOutOfMemory
	}
	if !added {
		return RelayAlreadyExists
	}
	if l.localNode != nil {
		l.localNode.RelayDirectly(tx)
	}
	return RelaySucceed
}

// -----------------------------------------------------------------------
// OnNewConsensus: authenticate against the current block's
// NextConsensus witness address, then forward to the consensus sink.
// -----------------------------------------------------------------------

// OnNewConsensus validates payload's witness against the current chain
// tip and, if authorized, forwards it to the consensus sink and relay
// cache.
func (l *Ledger) OnNewConsensus(payload *ConsensusPayload) RelayResultReason {
	return call(l, true, func() RelayResultReason { return l.onNewConsensus(payload) })
}

func (l *Ledger) onNewConsensus(payload *ConsensusPayload) RelayResultReason {
	hash := payload.Hash()
	if _, ok := l.relayCache.Get(hash); ok {
		return RelayAlreadyExists
	}
	curHash, ok := l.CurrentBlockHash()
	if !ok {
		return RelayInvalid
	}
	snap := l.CurrentSnapshot()
	hdr, err := snap.HeaderByHash(curHash)
	if err != nil {
		return RelayInvalid
	}
	if err := verifyWitness(payload.Witness, hash, hdr.NextConsensus); err != nil {
		return RelayInvalid
	}
	l.relayCache.Add(hash, payload)
	if l.consensus != nil {
		l.consensus.OnConsensusPayload(payload)
	}
	if l.localNode != nil {
		l.localNode.RelayDirectly(payload)
	}
	return RelaySucceed
}

// -----------------------------------------------------------------------
// Import: bulk-apply a contiguous run of already-trusted
// blocks (e.g. loaded from an archive), bypassing relay and buffering.
// -----------------------------------------------------------------------

// Import persists blocks in order, stopping at the first one that is not
// exactly the next expected height. It is meant for bulk-loading a trusted
// archive (spec.md §4.6 Import), not for untrusted network input.
func (l *Ledger) Import(blocks []*Block) ImportResult {
	return call(l, true, func() ImportResult { return l.doImport(blocks) })
}

func (l *Ledger) doImport(blocks []*Block) ImportResult {
	count := 0
	for _, b := range blocks {
		want := l.Height() + 1
		if int(b.Header.Index) != want {
			return ImportResult{Imported: count, Err: fmt.Errorf("core: import block %d is not the expected height %d", b.Header.Index, want)}
		}
		if err := l.persistOne(b); err != nil {
			abort(err)
		}
		count++
	}
	if err := l.headerChain.SaveToStore(l.store, nil); err != nil {
		abort(fmt.Errorf("save header batch after import: %w", err))
	}
	logrus.WithField("count", count).Info("bulk import completed")
	return ImportResult{Imported: count}
}
