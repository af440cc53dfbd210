package core

// Protocol constants.
const (
	// DecrementInterval is the number of blocks over which the utility
	// token's per-block generation amount steps down by one unit.
	DecrementInterval Height = 2_000_000

	// MaxValidators bounds the size of the active validator set.
	MaxValidators = 1024

	// GenesisConsensusData is the fixed consensus_data carried by the
	// genesis header (a nonce with no cryptographic meaning, preserved for
	// wire compatibility with the lineage this engine descends from).
	GenesisConsensusData uint64 = 2083236893

	// GoverningTokenAmount is the fixed total supply of the governing
	// (voting) token, minted once at genesis.
	GoverningTokenAmount = Fixed8(100_000_000 * 1e8)

	// GoverningTokenPrecision / UtilityTokenPrecision are the two native
	// assets' decimal precisions.
	GoverningTokenPrecision byte = 0
	UtilityTokenPrecision   byte = 8
)

// GenerationAmount is the per-block utility-token issuance schedule across
// the first 22 decrement intervals; after the schedule ends no
// further utility token is minted by block generation.
var GenerationAmount = [22]Fixed8{
	Fixed8FromInt(8), Fixed8FromInt(7), Fixed8FromInt(6), Fixed8FromInt(5),
	Fixed8FromInt(4), Fixed8FromInt(3), Fixed8FromInt(2),
	Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1),
	Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1),
	Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1),
	Fixed8FromInt(1), Fixed8FromInt(1), Fixed8FromInt(1),
}

// UtilityTokenTotalSupply sums GenerationAmount over DecrementInterval
// blocks each: the total amount registered for the utility token at
// genesis (the genesis block issues none of it).
func UtilityTokenTotalSupply() Fixed8 {
	var total Fixed8
	for _, g := range GenerationAmount {
		total = total.Add(Fixed8(int64(g) * int64(DecrementInterval)))
	}
	return total
}

// RelayCacheCapacity bounds the dispatcher's consensus-payload dedup cache.
const RelayCacheCapacity = 100

// RelayWindowBlocks is how close to the chain tip a cached/queued block
// must be for the dispatcher to relay it onward ("within 100
// blocks of tip").
const RelayWindowBlocks = 100

// ConsensusQuorum returns the Byzantine-fault-tolerant signature threshold
// for n validators: n - (n-1)/3.
func ConsensusQuorum(n int) int {
	return n - (n-1)/3
}
