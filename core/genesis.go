package core

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/ripemd160"
)

// ScriptHashFromPubKey derives a Hash160 from a single public key's
// encoded bytes, matching the lineage's SHA-256-then-RIPEMD-160 address
// derivation (grounded on the teacher's core/utility_functions.go, which
// reaches for x/crypto/ripemd160 for exactly this step rather than a
// hand-rolled digest).
func ScriptHashFromPubKey(pk PubKey) Hash160 {
	return ScriptHashFromScript(pk[:])
}

// ScriptHashFromScript derives a Hash160 from an arbitrary verification
// script, the same derivation used for multi-sig redeem scripts.
func ScriptHashFromScript(script []byte) Hash160 {
	first := sha256.Sum256(script)
	h := ripemd160.New()
	h.Write(first[:])
	var out Hash160
	copy(out[:], h.Sum(nil))
	return out
}

// MultiSigRedeemScript builds a deterministic (not VM-executable, since
// script execution is out of scope per spec.md §1) encoding of an
// m-of-n multi-signature redeem script over the given public keys, sorted
// to make the encoding canonical regardless of input order.
func MultiSigRedeemScript(m int, pubkeys []PubKey) []byte {
	sorted := make([]PubKey, len(pubkeys))
	copy(sorted, pubkeys)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && string(sorted[j][:]) < string(sorted[j-1][:]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := []byte{byte(m)}
	for _, pk := range sorted {
		out = append(out, pk[:]...)
	}
	out = append(out, byte(len(sorted)))
	return out
}

// ConsensusAddress derives the Hash160 of the Byzantine-quorum multi-sig
// redeem script over the standby validator set (spec.md §6 GLOSSARY,
// "consensus address").
func ConsensusAddress(standbyValidators []PubKey) Hash160 {
	m := ConsensusQuorum(len(standbyValidators))
	return ScriptHashFromScript(MultiSigRedeemScript(m, standbyValidators))
}

// GenesisConfig carries the parameters needed to construct the hard-coded
// genesis block: the standby validator set that receives the
// initial governing-token issuance and the fixed genesis timestamp.
type GenesisConfig struct {
	StandbyValidators []PubKey
	Timestamp         uint32
}

// BuildGenesisBlock constructs the fixed genesis block: a MinerTransaction
// (nonce = GenesisConsensusData), a RegisterTransaction for the governing
// token (100M units, precision 0), a RegisterTransaction for the utility
// token (sum of GenerationAmount over DecrementInterval blocks, precision
// 8), and an IssueTransaction crediting the entire governing-token supply
// to the standby-validator multi-sig address.
func BuildGenesisBlock(cfg GenesisConfig) (*Block, error) {
	if len(cfg.StandbyValidators) == 0 {
		return nil, fmt.Errorf("core: genesis requires at least one standby validator")
	}
	consensusAddr := ConsensusAddress(cfg.StandbyValidators)

	miner := &Transaction{
		Type:    TxMiner,
		Version: 0,
		Data:    encodePayload(struct{ Nonce uint64 }{Nonce: GenesisConsensusData}),
	}

	registerGoverning := &Transaction{
		Type:    TxRegister,
		Version: 0,
		Data: encodePayload(RegisterPayload{
			AssetType: 0,
			Name:      "GoverningToken",
			Amount:    GoverningTokenAmount,
			Precision: GoverningTokenPrecision,
			Owner:     cfg.StandbyValidators[0],
			Admin:     consensusAddr,
		}),
	}

	registerUtility := &Transaction{
		Type:    TxRegister,
		Version: 0,
		Data: encodePayload(RegisterPayload{
			AssetType: 1,
			Name:      "UtilityToken",
			Amount:    UtilityTokenTotalSupply(),
			Precision: UtilityTokenPrecision,
			Owner:     cfg.StandbyValidators[0],
			Admin:     consensusAddr,
		}),
	}

	governingID := registerGoverning.Hash()
	issueGoverning := &Transaction{
		Type:    TxIssue,
		Version: 0,
		Outputs: []TxOutput{{
			AssetID:    governingID,
			Value:      GoverningTokenAmount,
			ScriptHash: consensusAddr,
		}},
		Data: encodePayload(IssuePayload{
			Results: []TransactionResult{{AssetID: governingID, Amount: -GoverningTokenAmount}},
		}),
	}
	// UtilityToken is registered but not issued at genesis;
	// its supply enters circulation via per-block generation instead.

	header := BlockHeader{
		Version:       0,
		PrevHash:      Hash256{},
		Timestamp:     cfg.Timestamp,
		Index:         0,
		ConsensusData: GenesisConsensusData,
		NextConsensus: consensusAddr,
	}
	block := &Block{
		Header:       header,
		Transactions: []*Transaction{miner, registerGoverning, registerUtility, issueGoverning},
	}
	hashes := make([]Hash256, len(block.Transactions))
	for i, tx := range block.Transactions {
		hashes[i] = tx.Hash()
	}
	block.Header.MerkleRoot = MerkleRoot(hashes)
	return block, nil
}
