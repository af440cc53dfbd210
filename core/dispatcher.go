package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------
// Outbound collaborator interfaces: the ledger actor only
// depends on these narrow shapes, not on concrete P2P/consensus types.
// -----------------------------------------------------------------------

// LocalNode relays inventory to peers ("RelayDirectly").
type LocalNode interface {
	RelayDirectly(inventory any)
}

// TaskManager receives header-sync progress notifications.
type TaskManager interface {
	HeaderTaskCompleted()
}

// ConsensusSink is the optional consensus component the dispatcher
// forwards payloads and persist notifications to.
type ConsensusSink interface {
	OnConsensusPayload(*ConsensusPayload)
	OnPersistCompleted(*Block)
}

// Subscriber receives ledger lifecycle events ("Distribute").
type Subscriber chan LedgerEvent

// LedgerEvent is the union of messages pushed to subscribers.
type LedgerEvent interface{ isLedgerEvent() }

type PersistCompletedEvent struct{ Block *Block }

func (PersistCompletedEvent) isLedgerEvent() {}

type ApplicationExecutedEvent struct {
	Tx      *Transaction
	Results []ApplicationExecutionResult
}

func (ApplicationExecutedEvent) isLedgerEvent() {}

// ConsensusPayload is an opaque consensus message relayed through the
// ledger. Validation of its contents beyond witness authorization belongs
// to the consensus engine, out of scope.
type ConsensusPayload struct {
	ValidatorIndex uint16
	Height         Height
	Data           []byte
	Witness        TxWitness
}

func (p *ConsensusPayload) Hash() Hash256 {
	return hashForSigning(append(append([]byte{byte(p.ValidatorIndex)}, encodeHeight(p.Height)...), p.Data...))
}

// -----------------------------------------------------------------------
// Ledger: the actor owning header_index, block_cache,
// block_cache_unverified, subscribers, stored_header_count, and
// currentSnapshot. A single goroutine owns every mutation; everything
// else reaches in through the call/sendHigh/sendNormal mailbox.
// -----------------------------------------------------------------------

// LedgerConfig parameterizes NewLedger.
type LedgerConfig struct {
	Store       KVStore
	Genesis     GenesisConfig
	LocalNode   LocalNode
	TaskManager TaskManager
	Consensus   ConsensusSink
	// Policy is the plugin policy hook run on every incoming transaction
	// before it enters the pool ("run plugin policy check").
	// The plugin loader itself is out of scope; nil means
	// every transaction passes.
	Policy func(*Transaction) error
	// Archiver, if set, copies trimmed blocks older than its retention
	// window to a gzip archive as later blocks persist; the blocks stay
	// in the store.
	Archiver *Archiver
	// MempoolCapacity overrides MempoolMax when positive.
	MempoolCapacity int
	// RelayCacheSize overrides RelayCacheCapacity when positive.
	RelayCacheSize int
	// RelayWindowBlocks overrides the package RelayWindowBlocks constant
	// when positive.
	RelayWindowBlocks int
}

type Ledger struct {
	store KVStore

	mempool     *Mempool
	headerChain *HeaderChain
	relayCache  *lru.Cache[Hash256, *ConsensusPayload]

	snapMu          sync.RWMutex
	currentSnapshot *Snapshot

	governingAssetID Hash256

	blockCache           map[Height]*Block
	blockCacheUnverified map[Height]*Block

	subMu       sync.Mutex
	subscribers map[Subscriber]struct{}

	localNode         LocalNode
	taskManager       TaskManager
	consensus         ConsensusSink
	policy            func(*Transaction) error
	archiver          *Archiver
	relayWindowBlocks int

	highCh   chan actorMsg
	normalCh chan actorMsg
	done     chan struct{}
	closed   atomic.Bool
}

type actorMsg struct {
	run func()
}

// NewLedger constructs the ledger actor, replaying or persisting genesis
// as needed, and starts its single message-processing goroutine.
// Construction is the one place genesis is persisted synchronously; every
// later block goes through the actor loop.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	snap := NewSnapshot(cfg.Store)
	hc, err := LoadHeaderChain(snap)
	if err != nil {
		return nil, fmt.Errorf("core: load header chain: %w", err)
	}

	relayCacheSize := cfg.RelayCacheSize
	if relayCacheSize <= 0 {
		relayCacheSize = RelayCacheCapacity
	}
	relayCache, err := lru.New[Hash256, *ConsensusPayload](relayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("core: relay cache: %w", err)
	}

	mempoolCapacity := cfg.MempoolCapacity
	if mempoolCapacity <= 0 {
		mempoolCapacity = MempoolMax
	}

	relayWindowBlocks := cfg.RelayWindowBlocks
	if relayWindowBlocks <= 0 {
		relayWindowBlocks = RelayWindowBlocks
	}

	l := &Ledger{
		store:                cfg.Store,
		mempool:              NewMempool(mempoolCapacity),
		headerChain:          hc,
		relayCache:           relayCache,
		blockCache:           make(map[Height]*Block),
		blockCacheUnverified: make(map[Height]*Block),
		subscribers:          make(map[Subscriber]struct{}),
		localNode:            cfg.LocalNode,
		taskManager:          cfg.TaskManager,
		consensus:            cfg.Consensus,
		policy:               cfg.Policy,
		archiver:             cfg.Archiver,
		relayWindowBlocks:    relayWindowBlocks,
		highCh:               make(chan actorMsg, 256),
		normalCh:             make(chan actorMsg, 4096),
		done:                 make(chan struct{}),
	}

	if hc.Len() == 0 {
		genesis, err := BuildGenesisBlock(cfg.Genesis)
		if err != nil {
			return nil, fmt.Errorf("core: build genesis: %w", err)
		}
		if err := genesis.VerifyGenesis(); err != nil {
			return nil, fmt.Errorf("core: invalid genesis block: %w", err)
		}
		s, _, err := Persist(cfg.Store, hc, Hash256{}, genesis)
		if err != nil {
			return nil, fmt.Errorf("core: persist genesis: %w", err)
		}
		if err := s.Commit(); err != nil {
			return nil, fmt.Errorf("core: commit genesis: %w", err)
		}
		if err := hc.SaveToStore(cfg.Store, nil); err != nil {
			return nil, fmt.Errorf("core: save genesis header: %w", err)
		}
		l.governingAssetID = genesis.Transactions[1].Hash()
		logrus.WithField("hash", genesis.Hash()).Info("genesis block persisted")
	} else {
		l.governingAssetID, err = recoverGoverningAssetID(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("core: recover governing asset id: %w", err)
		}
	}

	l.currentSnapshot = NewSnapshot(cfg.Store)
	go l.run()
	return l, nil
}

// recoverGoverningAssetID re-derives the governing asset's id from the
// persisted genesis block after a restart (it is always the hash of
// genesis block's second transaction, the GoverningToken RegisterPayload;
// BuildGenesisBlock fixes that transaction order).
func recoverGoverningAssetID(store KVStore) (Hash256, error) {
	snap := NewSnapshot(store)
	if _, ok := snap.BlockHashIndex.TryGet(blockHashIndexKey); !ok {
		return Hash256{}, fmt.Errorf("no persisted blocks to recover genesis from")
	}
	hc, err := LoadHeaderChain(snap)
	if err != nil {
		return Hash256{}, err
	}
	genesisHash, ok := hc.Get(0)
	if !ok {
		return Hash256{}, fmt.Errorf("header chain has no genesis entry")
	}
	rec, err := snap.Blocks.Get(genesisHash)
	if err != nil {
		return Hash256{}, err
	}
	if len(rec.Trimmed.TxHashes) < 2 {
		return Hash256{}, fmt.Errorf("genesis block missing governing token register tx")
	}
	return rec.Trimmed.TxHashes[1], nil
}

// CurrentSnapshot returns the live read-only view, refreshed after each
// commit via an atomic pointer swap. Callers must not mutate the
// returned snapshot.
func (l *Ledger) CurrentSnapshot() *Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.currentSnapshot
}

func (l *Ledger) swapSnapshot(s *Snapshot) {
	l.snapMu.Lock()
	l.currentSnapshot = s
	l.snapMu.Unlock()
}

// Height returns the current persisted height, or -1 before genesis
// (which in practice never happens: NewLedger always persists genesis).
func (l *Ledger) Height() int {
	snap := l.CurrentSnapshot()
	idx, ok := snap.BlockHashIndex.TryGet(blockHashIndexKey)
	if !ok {
		return -1
	}
	return int(idx.Index)
}

// CurrentBlockHash returns the hash of the block at the current height.
func (l *Ledger) CurrentBlockHash() (Hash256, bool) {
	snap := l.CurrentSnapshot()
	idx, ok := snap.BlockHashIndex.TryGet(blockHashIndexKey)
	if !ok {
		return Hash256{}, false
	}
	return idx.Hash, true
}

// Mempool exposes the concurrent pool for RPC/validator read access,
// the one state the actor lets callers touch without going through its
// mailbox.
func (l *Ledger) Mempool() *Mempool { return l.mempool }

// Close stops the actor loop.
func (l *Ledger) Close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.done)
	}
}

// run is the ledger's single message-processing goroutine.
// A panic raised by abort() on a fatal commit failure is logged here and
// re-raised rather than swallowed, so the process crashes instead of
// continuing to serve reads against a store it no longer trusts.
func (l *Ledger) run() {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("core: ledger actor terminating on fatal error")
			panic(r)
		}
	}()
	for {
		select {
		case msg := <-l.highCh:
			msg.run()
			continue
		default:
		}
		select {
		case msg := <-l.highCh:
			msg.run()
		case msg := <-l.normalCh:
			msg.run()
		case <-l.done:
			return
		}
	}
}

// sendHigh/sendNormal enqueue a closure onto the priority mailbox
// appropriate to its message kind.
func (l *Ledger) sendHigh(fn func()) {
	l.highCh <- actorMsg{run: fn}
}

func (l *Ledger) sendNormal(fn func()) {
	l.normalCh <- actorMsg{run: fn}
}

// call runs fn on the actor goroutine and blocks for its typed result,
// used by every exported request/reply entrypoint below.
func call[T any](l *Ledger, high bool, fn func() T) T {
	resultCh := make(chan T, 1)
	wrapped := func() { resultCh <- fn() }
	if high {
		l.sendHigh(wrapped)
	} else {
		l.sendNormal(wrapped)
	}
	return <-resultCh
}

// -----------------------------------------------------------------------
// Subscription lifecycle.
// -----------------------------------------------------------------------

// Subscribe registers sub to receive future LedgerEvents; it is delivered
// on the actor goroutine so ordering matches PersistCompleted exactly:
// subscribers receive PersistCompletedEvent synchronously from inside
// Persist's caller, never from a separate dispatch goroutine.
func (l *Ledger) Subscribe(sub Subscriber) {
	call(l, true, func() struct{} {
		l.subMu.Lock()
		l.subscribers[sub] = struct{}{}
		l.subMu.Unlock()
		return struct{}{}
	})
}

// Unsubscribe removes sub from the subscriber set.
func (l *Ledger) Unsubscribe(sub Subscriber) {
	call(l, true, func() struct{} {
		l.subMu.Lock()
		delete(l.subscribers, sub)
		l.subMu.Unlock()
		return struct{}{}
	})
}

func (l *Ledger) distribute(ev LedgerEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for sub := range l.subscribers {
		select {
		case sub <- ev:
		default:
			logrus.Warn("subscriber channel full, dropping event")
		}
	}
}
