package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// -----------------------------------------------------------------------
// KVStore: the storage-engine interface. The real
// on-disk engine is out of scope; MemStore below is the in-process
// implementation used by tests, by the CLI (cmd/node always runs on a
// MemStore), and as the backing of every Snapshot's root cache.
// -----------------------------------------------------------------------

// KVStore is the narrow persistence interface every typed cache is built
// on top of. A real deployment would back this with LevelDB/Badger/bbolt;
// this engine treats the storage engine itself as an external
// collaborator and only fixes this interface.
type KVStore interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Find returns keys with the given prefix in ascending byte order.
	Find(prefix []byte) ([][]byte, error)
}

// MemStore is a sorted in-memory KVStore. It is concurrency-safe so it can
// double as the store behind a live ledger in tests and single-node demos.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemStore) Find(prefix []byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// Table prefixes: one byte per entity kind, giving each typed cache its own
// namespace within the flat KVStore keyspace ("separate tables").
const (
	tableBlocks byte = iota
	tableHeaders
	tableTransactions
	tableAccounts
	tableUnspentCoins
	tableSpentCoins
	tableValidators
	tableAssets
	tableContracts
	tableStorages
	tableHeaderHashList
	tableHeaderHashIndex
	tableBlockHashIndex
	tableValidatorsCount
)

func tableKey(table byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = table
	copy(out[1:], key)
	return out
}

// -----------------------------------------------------------------------
// Generic typed cache: Get/TryGet/Add/GetAndChange/GetOrAdd/Delete/Find,
// all dirty-tracked and flushed atomically by Snapshot.Commit.
// -----------------------------------------------------------------------

type cacheChange[V any] struct {
	value   V
	deleted bool
}

// Cache is a write-through, copy-on-write typed view over one table of a
// KVStore. When parent is non-nil the cache is a clone produced by
// Snapshot.Clone: reads fall through to the parent cache instead of the
// store, and commits merge into the parent's writes instead of the store.
type Cache[K comparable, V any] struct {
	table     byte
	store     KVStore
	parent    *Cache[K, V]
	encodeKey func(K) []byte
	decodeKey func([]byte) K
	newVal    func() V

	mu     sync.Mutex
	reads  map[K]V
	writes map[K]*cacheChange[V]
}

func newCache[K comparable, V any](store KVStore, table byte, encodeKey func(K) []byte, decodeKey func([]byte) K, newVal func() V) *Cache[K, V] {
	return &Cache[K, V]{
		table:     table,
		store:     store,
		encodeKey: encodeKey,
		decodeKey: decodeKey,
		newVal:    newVal,
		reads:     make(map[K]V),
		writes:    make(map[K]*cacheChange[V]),
	}
}

func (c *Cache[K, V]) clone() *Cache[K, V] {
	return &Cache[K, V]{
		table:     c.table,
		parent:    c,
		encodeKey: c.encodeKey,
		decodeKey: c.decodeKey,
		newVal:    c.newVal,
		reads:     make(map[K]V),
		writes:    make(map[K]*cacheChange[V]),
	}
}

// peek looks up key without marking it dirty: own writes, then own reads,
// then parent (recursively) or the backing store.
func (c *Cache[K, V]) peek(key K) (V, bool, error) {
	c.mu.Lock()
	if ch, ok := c.writes[key]; ok {
		c.mu.Unlock()
		if ch.deleted {
			var zero V
			return zero, false, nil
		}
		return ch.value, true, nil
	}
	if v, ok := c.reads[key]; ok {
		c.mu.Unlock()
		return v, true, nil
	}
	c.mu.Unlock()

	if c.parent != nil {
		return c.parent.peek(key)
	}
	raw, ok, err := c.store.Get(tableKey(c.table, c.encodeKey(key)))
	if err != nil || !ok {
		var zero V
		return zero, false, err
	}
	v := c.newVal()
	if err := rlp.DecodeBytes(raw, v); err != nil {
		var zero V
		return zero, false, fmt.Errorf("core: decode cache entry: %w", err)
	}
	c.mu.Lock()
	c.reads[key] = v
	c.mu.Unlock()
	return v, true, nil
}

// Get returns the current value for key, failing if absent. Callers that
// expect absence must use TryGet.
func (c *Cache[K, V]) Get(key K) (V, error) {
	v, ok, err := c.peek(key)
	if err != nil {
		var zero V
		return zero, err
	}
	if !ok {
		var zero V
		return zero, fmt.Errorf("core: cache entry not found")
	}
	return v, nil
}

// TryGet returns the value and whether it was present.
func (c *Cache[K, V]) TryGet(key K) (V, bool) {
	v, ok, _ := c.peek(key)
	return v, ok
}

// Add inserts value under key, failing if an entry already exists.
func (c *Cache[K, V]) Add(key K, value V) error {
	if _, ok, _ := c.peek(key); ok {
		return fmt.Errorf("core: cache entry already exists")
	}
	c.mu.Lock()
	c.writes[key] = &cacheChange[V]{value: value}
	c.mu.Unlock()
	return nil
}

// GetAndChange returns a handle for key, creating it via factory if absent,
// and marks the entry dirty regardless: the caller is about to mutate it
// in place.
func (c *Cache[K, V]) GetAndChange(key K, factory func() V) V {
	v, ok, _ := c.peek(key)
	if !ok {
		v = factory()
	}
	c.mu.Lock()
	c.writes[key] = &cacheChange[V]{value: v}
	c.mu.Unlock()
	return v
}

// GetOrAdd returns the existing value or creates and stores a new one via
// factory, without assuming the caller will mutate an existing entry.
func (c *Cache[K, V]) GetOrAdd(key K, factory func() V) V {
	if v, ok, _ := c.peek(key); ok {
		return v
	}
	v := factory()
	c.mu.Lock()
	c.writes[key] = &cacheChange[V]{value: v}
	c.mu.Unlock()
	return v
}

// Delete marks key for removal on commit.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	c.writes[key] = &cacheChange[V]{deleted: true}
	c.mu.Unlock()
}

// Find returns all (key, value) pairs with the given key-encoding prefix,
// in ascending byte order of the encoded key, reading through the store
// (used at startup to load HeaderHashList batches in order).
func (c *Cache[K, V]) Find(prefix []byte) ([]K, []V, error) {
	if c.parent != nil {
		return c.parent.Find(prefix)
	}
	raw, err := c.store.Find(tableKey(c.table, prefix))
	if err != nil {
		return nil, nil, err
	}
	keys := make([]K, 0, len(raw))
	vals := make([]V, 0, len(raw))
	for _, rk := range raw {
		k := c.decodeKey(rk[1:])
		v, ok, err := c.peek(k)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	return keys, vals, nil
}

// commit flushes dirty entries either to the parent cache (clone case) or
// to the backing store (root case), atomically from the caller's
// perspective.
func (c *Cache[K, V]) commit() error {
	c.mu.Lock()
	writes := c.writes
	c.writes = make(map[K]*cacheChange[V])
	c.mu.Unlock()

	if c.parent != nil {
		for k, ch := range writes {
			c.parent.mu.Lock()
			c.parent.writes[k] = ch
			c.parent.mu.Unlock()
		}
		return nil
	}
	for k, ch := range writes {
		tk := tableKey(c.table, c.encodeKey(k))
		if ch.deleted {
			if err := c.store.Delete(tk); err != nil {
				return err
			}
			continue
		}
		enc, err := rlp.EncodeToBytes(ch.value)
		if err != nil {
			return fmt.Errorf("core: encode cache entry: %w", err)
		}
		if err := c.store.Put(tk, enc); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// Snapshot: the transactional view over all typed caches.
// -----------------------------------------------------------------------

// unit is the singleton key type for tables with exactly one entry
// (BlockHashIndex, HeaderHashIndex, ValidatorsCount).
type unit struct{}

func encodeUnit(unit) []byte            { return nil }
func decodeUnit([]byte) unit            { return unit{} }
func encodeHash256(h Hash256) []byte    { return h[:] }
func decodeHash256(b []byte) Hash256    { var h Hash256; copy(h[:], b); return h }
func encodeHash160(h Hash160) []byte    { return h[:] }
func decodeHash160(b []byte) Hash160    { var h Hash160; copy(h[:], b); return h }
func encodePubKey(p PubKey) []byte      { return p[:] }
func decodePubKey(b []byte) PubKey      { var p PubKey; copy(p[:], b); return p }
func encodeHeight(h Height) []byte      { var b [4]byte; putUint32(b[:], h); return b[:] }
func decodeHeight(b []byte) Height      { return getUint32(b) }
func encodeStorageKey(k StorageKey) []byte {
	out := make([]byte, 20+len(k.Key))
	copy(out, k.ScriptHash[:])
	copy(out[20:], k.Key)
	return out
}
func decodeStorageKey(b []byte) StorageKey {
	var sh Hash160
	copy(sh[:], b[:20])
	return StorageKey{ScriptHash: sh, Key: string(b[20:])}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func getUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Snapshot is a read-your-writes transactional view over the ledger's
// persistent state, used both as the top-level view committed by the
// persist engine and (via Clone) as the VM's sandboxed handle.
type Snapshot struct {
	store KVStore

	Blocks          *Cache[Hash256, *BlockRecord]
	// Headers holds header-only TrimmedBlock entries written by
	// OnNewHeaders for headers that arrive ahead of their block body.
	// Persisting the full block adds a Blocks entry and leaves the
	// Headers entry in place; HeaderByHash consults Blocks first.
	Headers         *Cache[Hash256, *TrimmedBlock]
	Transactions    *Cache[Hash256, *TxRecord]
	Accounts        *Cache[Hash160, *AccountState]
	UnspentCoins    *Cache[Hash256, *UnspentCoinState]
	SpentCoins      *Cache[Hash256, *SpentCoinState]
	Validators      *Cache[PubKey, *ValidatorState]
	Assets          *Cache[Hash256, *AssetState]
	Contracts       *Cache[Hash160, *ContractState]
	Storages        *Cache[StorageKey, *StorageItem]
	HeaderHashList  *Cache[Height, *HeaderHashList]
	HeaderHashIndex *Cache[unit, *HashIndexState]
	BlockHashIndex  *Cache[unit, *HashIndexState]
	ValidatorsCount *Cache[unit, *ValidatorsCountState]

	// PersistingBlock is set by Persist to the block being applied and is
	// carried over by Clone; the per-type handlers in dispatchByType
	// receive the block as an argument instead of reading this field.
	PersistingBlock *Block
}

// NewSnapshot opens a fresh root snapshot over store.
func NewSnapshot(store KVStore) *Snapshot {
	return &Snapshot{
		store:           store,
		Blocks:          newCache[Hash256, *BlockRecord](store, tableBlocks, encodeHash256, decodeHash256, func() *BlockRecord { return new(BlockRecord) }),
		Headers:         newCache[Hash256, *TrimmedBlock](store, tableHeaders, encodeHash256, decodeHash256, func() *TrimmedBlock { return new(TrimmedBlock) }),
		Transactions:    newCache[Hash256, *TxRecord](store, tableTransactions, encodeHash256, decodeHash256, func() *TxRecord { return new(TxRecord) }),
		Accounts:        newCache[Hash160, *AccountState](store, tableAccounts, encodeHash160, decodeHash160, func() *AccountState { return new(AccountState) }),
		UnspentCoins:    newCache[Hash256, *UnspentCoinState](store, tableUnspentCoins, encodeHash256, decodeHash256, func() *UnspentCoinState { return new(UnspentCoinState) }),
		SpentCoins:      newCache[Hash256, *SpentCoinState](store, tableSpentCoins, encodeHash256, decodeHash256, func() *SpentCoinState { return new(SpentCoinState) }),
		Validators:      newCache[PubKey, *ValidatorState](store, tableValidators, encodePubKey, decodePubKey, func() *ValidatorState { return new(ValidatorState) }),
		Assets:          newCache[Hash256, *AssetState](store, tableAssets, encodeHash256, decodeHash256, func() *AssetState { return new(AssetState) }),
		Contracts:       newCache[Hash160, *ContractState](store, tableContracts, encodeHash160, decodeHash160, func() *ContractState { return new(ContractState) }),
		Storages:        newCache[StorageKey, *StorageItem](store, tableStorages, encodeStorageKey, decodeStorageKey, func() *StorageItem { return new(StorageItem) }),
		HeaderHashList:  newCache[Height, *HeaderHashList](store, tableHeaderHashList, encodeHeight, decodeHeight, func() *HeaderHashList { return new(HeaderHashList) }),
		HeaderHashIndex: newCache[unit, *HashIndexState](store, tableHeaderHashIndex, encodeUnit, decodeUnit, func() *HashIndexState { return new(HashIndexState) }),
		BlockHashIndex:  newCache[unit, *HashIndexState](store, tableBlockHashIndex, encodeUnit, decodeUnit, func() *HashIndexState { return new(HashIndexState) }),
		ValidatorsCount: newCache[unit, *ValidatorsCountState](store, tableValidatorsCount, encodeUnit, decodeUnit, func() *ValidatorsCountState { return new(ValidatorsCountState) }),
	}
}

// Clone produces a nested view sharing this snapshot's reads but buffering
// independent writes, for the VM's sandboxed execution. The clone's Commit merges into this snapshot, not the store.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		store:           s.store,
		Blocks:          s.Blocks.clone(),
		Headers:         s.Headers.clone(),
		Transactions:    s.Transactions.clone(),
		Accounts:        s.Accounts.clone(),
		UnspentCoins:    s.UnspentCoins.clone(),
		SpentCoins:      s.SpentCoins.clone(),
		Validators:      s.Validators.clone(),
		Assets:          s.Assets.clone(),
		Contracts:       s.Contracts.clone(),
		Storages:        s.Storages.clone(),
		HeaderHashList:  s.HeaderHashList.clone(),
		HeaderHashIndex: s.HeaderHashIndex.clone(),
		BlockHashIndex:  s.BlockHashIndex.clone(),
		ValidatorsCount: s.ValidatorsCount.clone(),
		PersistingBlock: s.PersistingBlock,
	}
}

// Commit flushes every dirty cache atomically to the backing store (or,
// for a clone, into the parent snapshot's caches). A failure partway
// through is a fatal invariant violation: the store layer is
// assumed to make each individual Put/Delete atomic, but the engine makes
// no attempt to roll back a partial multi-cache commit, matching the
// spec's "commits are atomic at the store layer" assumption.
func (s *Snapshot) Commit() error {
	caches := []interface{ commit() error }{
		s.Blocks, s.Headers, s.Transactions, s.Accounts, s.UnspentCoins, s.SpentCoins,
		s.Validators, s.Assets, s.Contracts, s.Storages, s.HeaderHashList,
		s.HeaderHashIndex, s.BlockHashIndex, s.ValidatorsCount,
	}
	for _, c := range caches {
		if err := c.commit(); err != nil {
			return err
		}
	}
	return nil
}

// blockHashIndexKey / headerHashIndexKey / validatorsCountKey are the sole
// key values used in their respective singleton tables.
var (
	blockHashIndexKey  = unit{}
	headerHashIndexKey = unit{}
	validatorsCountKey = unit{}
)

// HeaderByHash returns the header for hash, checking the fully-persisted
// Blocks table first and falling back to the header-only Headers table: a
// hash may be known as a header before its block body ever arrives.
func (s *Snapshot) HeaderByHash(hash Hash256) (*BlockHeader, error) {
	if rec, ok := s.Blocks.TryGet(hash); ok {
		return &rec.Trimmed.Header, nil
	}
	if tb, ok := s.Headers.TryGet(hash); ok {
		return &tb.Header, nil
	}
	return nil, fmt.Errorf("core: unknown header %s", hash)
}
