package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// -----------------------------------------------------------------------
// Block / header
// -----------------------------------------------------------------------

// TxWitness carries the invocation/verification script pair that authorizes
// a transaction or block. Script execution itself is the VM's job, out of
// scope here; the ledger only shuttles the bytes around and asks core/vm
// to check them.
type TxWitness struct {
	InvocationScript   []byte
	VerificationScript []byte
}

// BlockHeader is the part of a Block that is hashed and signed.
type BlockHeader struct {
	Version       byte
	PrevHash      Hash256
	MerkleRoot    Hash256
	Timestamp     uint32
	Index         Height
	ConsensusData uint64
	NextConsensus Hash160
	Witness       TxWitness
}

// Hash returns the double-SHA256 content hash of the header.
func (h *BlockHeader) Hash() Hash256 {
	// The witness does not participate in the signed hash: it is the
	// signature over the rest of the header, not part of the preimage.
	unsigned := *h
	unsigned.Witness = TxWitness{}
	enc, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		panic("core: header encode: " + err.Error())
	}
	first := sha256.Sum256(enc)
	second := sha256.Sum256(first[:])
	return second
}

// Block is a full header plus its ordered transaction list.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
}

// Hash returns the block's header hash.
func (b *Block) Hash() Hash256 { return b.Header.Hash() }

// MerkleRoot recomputes the merkle root over the block's transaction
// hashes using simple pairwise SHA-256-of-SHA256, duplicating the last
// element on odd-sized levels.
func MerkleRoot(hashes []Hash256) Hash256 {
	if len(hashes) == 0 {
		return Hash256{}
	}
	level := make([]Hash256, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash256, len(level)/2)
		for i := range next {
			var buf [64]byte
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			first := sha256.Sum256(buf[:])
			next[i] = sha256.Sum256(first[:])
		}
		level = next
	}
	return level[0]
}

// TrimmedBlock is the on-disk storage form: header plus transaction
// hashes only.
type TrimmedBlock struct {
	Header   BlockHeader
	TxHashes []Hash256
}

// Trim produces the storage form of a block.
func (b *Block) Trim() *TrimmedBlock {
	hashes := make([]Hash256, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return &TrimmedBlock{Header: b.Header, TxHashes: hashes}
}

// BlockRecord is the value stored in the Blocks cache (spec.md §4.5 step 1).
type BlockRecord struct {
	SystemFee Fixed8
	Trimmed   *TrimmedBlock
}

// -----------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------

// TxType enumerates the transaction variants named in spec.md §3.
type TxType byte

const (
	TxMiner TxType = iota
	TxRegister
	TxIssue
	TxClaim
	TxEnrollment
	TxState
	TxPublish
	TxInvocation
	TxContract
)

func (t TxType) String() string {
	switch t {
	case TxMiner:
		return "Miner"
	case TxRegister:
		return "Register"
	case TxIssue:
		return "Issue"
	case TxClaim:
		return "Claim"
	case TxEnrollment:
		return "Enrollment"
	case TxState:
		return "State"
	case TxPublish:
		return "Publish"
	case TxInvocation:
		return "Invocation"
	case TxContract:
		return "Contract"
	default:
		return fmt.Sprintf("TxType(%d)", byte(t))
	}
}

type TxInput struct {
	PrevHash  Hash256
	PrevIndex uint16
}

type TxOutput struct {
	AssetID    Hash256
	Value      Fixed8
	ScriptHash Hash160
}

// Attribute usages relevant to this engine; most are opaque to persist.
const (
	AttrUsageScript byte = 0x20
	AttrUsageVote   byte = 0x30
)

type TxAttribute struct {
	Usage byte
	Data  []byte
}

// Transaction is the tagged-union envelope common to every variant. The
// variant-specific payload is carried pre-encoded in Data (decoded via
// DecodePayload) so the envelope itself stays a flat, RLP-safe struct
// regardless of which variant it carries — the Go analogue of the design
// note in spec.md §9 ("tagged-union with an apply method per variant").
type Transaction struct {
	Type       TxType
	Version    byte
	Attributes []TxAttribute
	Inputs     []TxInput
	Outputs    []TxOutput
	Data       []byte
	Witnesses  []TxWitness

	hash    Hash256
	hashSet bool
}

// Hash returns the transaction's content hash, computing and caching it on
// first use. Witnesses are excluded from the hash, matching BlockHeader.
func (tx *Transaction) Hash() Hash256 {
	if tx.hashSet {
		return tx.hash
	}
	unsigned := *tx
	unsigned.Witnesses = nil
	enc, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		panic("core: tx encode: " + err.Error())
	}
	first := sha256.Sum256(enc)
	tx.hash = sha256.Sum256(first[:])
	tx.hashSet = true
	return tx.hash
}

// Size approximates the wire size used for fee-density mempool ordering.
func (tx *Transaction) Size() int {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return 1 << 20
	}
	return len(enc)
}

// SystemFee and NetworkFee are derived from the transaction's attributes
// rather than stored directly; Miner transactions carry none.
func (tx *Transaction) SystemFee() Fixed8 {
	return decodeFee(tx, AttrUsageScript)
}

func (tx *Transaction) NetworkFee() Fixed8 {
	return decodeFee(tx, AttrUsageVote)
}

func decodeFee(tx *Transaction, usage byte) Fixed8 {
	for _, a := range tx.Attributes {
		if a.Usage != usage {
			continue
		}
		var f Fixed8
		if err := rlp.DecodeBytes(a.Data, &f); err == nil {
			return f
		}
	}
	return 0
}

// ----- per-variant payloads --------------------------------------------

type RegisterPayload struct {
	AssetType uint8
	Name      string
	Amount    Fixed8
	Precision byte
	Owner     PubKey
	Admin     Hash160
}

type TransactionResult struct {
	AssetID Hash256
	Amount  Fixed8 // negative: asset issued into circulation this tx
}

type IssuePayload struct {
	Results []TransactionResult
}

type ClaimReference struct {
	TxHash Hash256
	Index  uint16
}

type ClaimPayload struct {
	Claims []ClaimReference
}

type EnrollmentPayload struct {
	PubKey PubKey
}

// StateDescriptorType distinguishes Account vs Validator descriptors in a
// StateTransaction (spec.md §4.5 vote-reassignment algorithm).
type StateDescriptorType byte

const (
	DescriptorAccount StateDescriptorType = iota
	DescriptorValidator
)

type StateDescriptor struct {
	Type  StateDescriptorType
	Key   []byte // script hash (Account) or pubkey bytes (Validator)
	Field string // "Votes" | "Registered"
	Value []byte
}

type StatePayload struct {
	Descriptors []StateDescriptor
}

type PublishPayload struct {
	Script        []byte
	ParameterList []byte
	ReturnType    byte
	NeedsStorage  flag
	Name          string
	Version       string
	Author        string
	Email         string
	Description   string
}

type InvocationPayload struct {
	Script   []byte
	GasLimit Fixed8
}

func encodePayload(v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("core: payload encode: " + err.Error())
	}
	return b
}

// -----------------------------------------------------------------------
// Coin / account / asset / validator state
// -----------------------------------------------------------------------

type CoinFlag byte

const (
	CoinConfirmed CoinFlag = 1 << iota
	CoinSpent
	CoinClaimed
)

// UnspentCoinState tracks per-output flags parallel to a transaction's
// outputs.
type UnspentCoinState struct {
	Items []CoinFlag
}

func NewUnspentCoinState(n int) *UnspentCoinState {
	items := make([]CoinFlag, n)
	for i := range items {
		items[i] = CoinConfirmed
	}
	return &UnspentCoinState{Items: items}
}

// SpentCoinEntry records the block height at which a governing-token
// output was spent, input for GAS-style claim calculation.
type SpentCoinEntry struct {
	Index  uint16
	Height Height
}

type SpentCoinState struct {
	TxHash  Hash256
	Entries []SpentCoinEntry
}

func (s *SpentCoinState) remove(index uint16) bool {
	for i, e := range s.Entries {
		if e.Index == index {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// AccountBalance is a single (asset, amount) entry; AccountState stores a
// slice rather than a map so the entity stays byte-stably RLP-encodable
// (spec.md §6 requires fixed-order, length-prefixed persisted fields).
type AccountBalance struct {
	AssetID Hash256
	Value   Fixed8
}

type AccountState struct {
	ScriptHash Hash160
	Balances   []AccountBalance
	Votes      []PubKey
	IsFrozen   flag
}

func NewAccountState(sh Hash160) *AccountState {
	return &AccountState{ScriptHash: sh}
}

// Balance returns the current balance for asset, 0 if absent.
func (a *AccountState) Balance(asset Hash256) Fixed8 {
	for _, b := range a.Balances {
		if b.AssetID == asset {
			return b.Value
		}
	}
	return 0
}

// AdjustBalance applies delta (may be negative) to asset's balance,
// creating or removing the entry as needed.
func (a *AccountState) AdjustBalance(asset Hash256, delta Fixed8) {
	for i, b := range a.Balances {
		if b.AssetID == asset {
			nv := b.Value.Add(delta)
			if nv == 0 {
				a.Balances = append(a.Balances[:i], a.Balances[i+1:]...)
			} else {
				a.Balances[i].Value = nv
			}
			return
		}
	}
	if delta != 0 {
		a.Balances = append(a.Balances, AccountBalance{AssetID: asset, Value: delta})
	}
}

func (a *AccountState) HasVote(pk PubKey) int {
	for i, v := range a.Votes {
		if v == pk {
			return i
		}
	}
	return -1
}

// AssetState is registered asset metadata.
type AssetState struct {
	AssetID    Hash256
	AssetType  byte
	Name       string
	Amount     Fixed8
	Available  Fixed8
	Precision  byte
	Owner      PubKey
	Admin      Hash160
	Expiration Height
}

// ValidatorState tracks a validator's registration and vote stake.
// Invariant: if !Registered && Votes == 0 the entity is deleted from the
// Validators cache (enforced by the persist engine).
type ValidatorState struct {
	PubKey     PubKey
	Registered flag
	Votes      Fixed8
}

func NewValidatorState(pk PubKey) *ValidatorState { return &ValidatorState{PubKey: pk} }

// ShouldDelete reports whether the validator entity is no longer needed.
func (v *ValidatorState) ShouldDelete() bool {
	return !v.Registered.bool() && v.Votes == 0
}

// ValidatorsCountState tracks, per vote-count bucket, the total governing
// stake of accounts voting for exactly that many validators.
type ValidatorsCountState struct {
	Votes []Fixed8
}

func (v *ValidatorsCountState) ensure(n int) {
	for len(v.Votes) < n {
		v.Votes = append(v.Votes, 0)
	}
}

func (v *ValidatorsCountState) Add(bucket int, delta Fixed8) {
	if bucket < 0 {
		return
	}
	v.ensure(bucket + 1)
	v.Votes[bucket] += delta
}

// ContractState is deployed script metadata.
const (
	ContractNeedsStorage      byte = 1 << 0
	ContractNeedsDynamicInvoke byte = 1 << 1
	ContractPayable           byte = 1 << 2
)

type ContractState struct {
	ScriptHash    Hash160
	Script        []byte
	ParameterList []byte
	ReturnType    byte
	Properties    byte
	Name          string
	Version       string
	Author        string
	Email         string
	Description   string
}

// StorageItem is a single (script_hash, key) -> value entry.
type StorageItem struct {
	Value []byte
}

type StorageKey struct {
	ScriptHash Hash160
	Key        string
}

// HashIndexState pairs a hash with a height; used for both the block head
// and the header head pointers.
type HashIndexState struct {
	Hash  Hash256
	Index Height
}

// HeaderHashList is a persisted batch of up to 2000 consecutive header
// hashes, keyed by its starting index.
type HeaderHashList struct {
	Hashes []Hash256
}

// TxRecord is the value stored in the Transactions cache.
type TxRecord struct {
	BlockIndex Height
	Tx         *Transaction
}

// RelayResultReason is the outcome enum surfaced across the message
// boundary.
type RelayResultReason byte

const (
	RelaySucceed RelayResultReason = iota
	RelayAlreadyExists
	RelayOutOfMemory
	RelayUnableToVerify
	RelayInvalid
	RelayExpired
	RelayPolicyFail
	RelayUnknown
)

func (r RelayResultReason) String() string {
	switch r {
	case RelaySucceed:
		return "Succeed"
	case RelayAlreadyExists:
		return "AlreadyExists"
	case RelayOutOfMemory:
		return "OutOfMemory"
	case RelayUnableToVerify:
		return "UnableToVerify"
	case RelayInvalid:
		return "Invalid"
	case RelayExpired:
		return "Expired"
	case RelayPolicyFail:
		return "PolicyFail"
	default:
		return "Unknown"
	}
}
