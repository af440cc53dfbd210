package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"synnergy-network/core/vm"
)

// ApplicationExecutionResult captures one InvocationTransaction's VM run,
// recorded regardless of success.
type ApplicationExecutionResult struct {
	TxHash        Hash256
	VMState       vm.State
	GasConsumed   Fixed8
	Stack         []int64
	Notifications []vm.Notification
}

// PersistResult carries everything OnPersistCompleted needs to notify
// subscribers after a successful Persist.
type PersistResult struct {
	Block      *Block
	AppResults []ApplicationExecutionResult
}

// Persist is the deterministic per-block state transition:
// it opens a fresh snapshot over store, applies block in full, and returns
// the uncommitted snapshot for the caller to Commit(). Persist itself
// never commits so the dispatcher can refresh currentSnapshot and fire
// OnPersistCompleted only after a successful commit (spec.md §4.5 step 4).
//
// governingAssetID identifies the voting-rights asset for vote accounting
// (spec.md §4.5.c/d); it is the zero hash before genesis has persisted,
// which is safe because the genesis block's own transactions never
// reference votes.
func Persist(store KVStore, hc *HeaderChain, governingAssetID Hash256, block *Block) (*Snapshot, *PersistResult, error) {
	s := NewSnapshot(store)
	s.PersistingBlock = block

	if _, exists := s.Blocks.TryGet(block.Hash()); exists {
		return nil, nil, ErrAlreadyPersisted
	}

	var prevSysFee Fixed8
	if !block.Header.PrevHash.IsZero() {
		prevRec, err := s.Blocks.Get(block.Header.PrevHash)
		if err != nil {
			return nil, nil, fmt.Errorf("core: persist: missing predecessor block record: %w", err)
		}
		prevSysFee = prevRec.SystemFee
	}
	var sysFeeSum Fixed8
	for _, tx := range block.Transactions {
		sysFeeSum = sysFeeSum.Add(tx.SystemFee())
	}
	if err := s.Blocks.Add(block.Hash(), &BlockRecord{
		SystemFee: prevSysFee.Add(sysFeeSum),
		Trimmed:   block.Trim(),
	}); err != nil {
		return nil, nil, fmt.Errorf("core: persist: add block record: %w", err)
	}

	result := &PersistResult{Block: block}

	for _, tx := range block.Transactions {
		if err := applyTransaction(s, block, governingAssetID, tx, result); err != nil {
			return nil, nil, err
		}
	}

	idx := s.BlockHashIndex.GetAndChange(blockHashIndexKey, func() *HashIndexState { return new(HashIndexState) })
	idx.Hash, idx.Index = block.Hash(), block.Header.Index

	if int(block.Header.Index) == hc.Len() {
		hc.Append(block.Hash())
		hhi := s.HeaderHashIndex.GetAndChange(headerHashIndexKey, func() *HashIndexState { return new(HashIndexState) })
		hhi.Hash, hhi.Index = block.Hash(), block.Header.Index
	}

	return s, result, nil
}

// ErrAlreadyPersisted signals a block hash already has a Blocks entry
// ("second attempt returns AlreadyExists").
var ErrAlreadyPersisted = fmt.Errorf("core: block already persisted")

func applyTransaction(s *Snapshot, block *Block, governingAssetID Hash256, tx *Transaction, result *PersistResult) error {
	if err := s.Transactions.Add(tx.Hash(), &TxRecord{BlockIndex: block.Header.Index, Tx: tx}); err != nil {
		return fmt.Errorf("core: persist tx %s: %w", tx.Hash(), err)
	}
	if err := s.UnspentCoins.Add(tx.Hash(), NewUnspentCoinState(len(tx.Outputs))); err != nil {
		return fmt.Errorf("core: persist tx %s: unspent coins: %w", tx.Hash(), err)
	}

	for _, out := range tx.Outputs {
		acct := s.Accounts.GetAndChange(out.ScriptHash, func() *AccountState { return NewAccountState(out.ScriptHash) })
		acct.AdjustBalance(out.AssetID, out.Value)
		if out.AssetID == governingAssetID {
			adjustVotesForBalanceChange(s, acct, out.Value)
		}
	}

	if err := debitInputs(s, block, governingAssetID, tx); err != nil {
		return err
	}

	return dispatchByType(s, block, governingAssetID, tx, result)
}

// debitInputs groups tx.Inputs by PrevHash ("grouped by
// prev_hash") and marks each referenced output Spent, debiting the prior
// owner's balance.
func debitInputs(s *Snapshot, block *Block, governingAssetID Hash256, tx *Transaction) error {
	grouped := make(map[Hash256][]TxInput)
	order := make([]Hash256, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, ok := grouped[in.PrevHash]; !ok {
			order = append(order, in.PrevHash)
		}
		grouped[in.PrevHash] = append(grouped[in.PrevHash], in)
	}

	for _, prevHash := range order {
		ins := grouped[prevHash]
		prevRec, err := s.Transactions.Get(prevHash)
		if err != nil {
			return fmt.Errorf("core: persist: spend of unknown tx %s: %w", prevHash, err)
		}
		coin := s.UnspentCoins.GetAndChange(prevHash, func() *UnspentCoinState {
			return NewUnspentCoinState(len(prevRec.Tx.Outputs))
		})
		for _, in := range ins {
			if int(in.PrevIndex) >= len(coin.Items) {
				return fmt.Errorf("core: persist: input index %d out of range for %s", in.PrevIndex, prevHash)
			}
			coin.Items[in.PrevIndex] |= CoinSpent

			out := prevRec.Tx.Outputs[in.PrevIndex]
			acct := s.Accounts.GetAndChange(out.ScriptHash, func() *AccountState { return NewAccountState(out.ScriptHash) })
			acct.AdjustBalance(out.AssetID, -out.Value)

			if out.AssetID == governingAssetID {
				spent := s.SpentCoins.GetAndChange(prevHash, func() *SpentCoinState { return &SpentCoinState{TxHash: prevHash} })
				spent.Entries = append(spent.Entries, SpentCoinEntry{Index: in.PrevIndex, Height: block.Header.Index})
				adjustVotesForBalanceChange(s, acct, -out.Value)
			}
		}
	}
	return nil
}

// adjustVotesForBalanceChange implements the symmetric vote-stake
// adjustment shared by credit (spec.md §4.5.c) and debit (§4.5.d): when an
// account with existing votes gains or loses governing-token balance, the
// delta propagates to every validator it voted for and to the matching
// ValidatorsCount bucket. A validator that becomes unregistered with zero
// votes is deleted (spec.md §3 ValidatorState invariant).
func adjustVotesForBalanceChange(s *Snapshot, acct *AccountState, delta Fixed8) {
	if len(acct.Votes) == 0 {
		return
	}
	for _, v := range acct.Votes {
		val := s.Validators.GetAndChange(v, func() *ValidatorState { return NewValidatorState(v) })
		val.Votes = val.Votes.Add(delta)
		if val.ShouldDelete() {
			s.Validators.Delete(v)
		}
	}
	vc := s.ValidatorsCount.GetAndChange(validatorsCountKey, func() *ValidatorsCountState { return new(ValidatorsCountState) })
	vc.Add(len(acct.Votes)-1, delta)
}

func dispatchByType(s *Snapshot, block *Block, governingAssetID Hash256, tx *Transaction, result *PersistResult) error {
	switch tx.Type {
	case TxMiner:
		// No extra state beyond coin accounting; mempool rejection of
		// Miner transactions is enforced by the ingestion dispatcher,
		// not here (spec.md §4.5.e).
		return nil

	case TxRegister:
		var p RegisterPayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode RegisterPayload: %w", err)
		}
		return s.Assets.Add(tx.Hash(), &AssetState{
			AssetID:    tx.Hash(),
			AssetType:  p.AssetType,
			Name:       p.Name,
			Amount:     p.Amount,
			Available:  p.Amount,
			Precision:  p.Precision,
			Owner:      p.Owner,
			Admin:      p.Admin,
			Expiration: block.Header.Index + 2*DecrementInterval,
		})

	case TxIssue:
		var p IssuePayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode IssuePayload: %w", err)
		}
		for _, r := range p.Results {
			if r.Amount >= 0 {
				continue
			}
			if _, ok := s.Assets.TryGet(r.AssetID); !ok {
				return fmt.Errorf("core: issue: unknown asset %s", r.AssetID)
			}
			asset := s.Assets.GetAndChange(r.AssetID, func() *AssetState { return new(AssetState) })
			asset.Available = asset.Available.Add(r.Amount)
		}
		return nil

	case TxClaim:
		var p ClaimPayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode ClaimPayload: %w", err)
		}
		byTx := make(map[Hash256][]uint16)
		for _, c := range p.Claims {
			byTx[c.TxHash] = append(byTx[c.TxHash], c.Index)
		}
		for txHash, indices := range byTx {
			if _, ok := s.SpentCoins.TryGet(txHash); !ok {
				continue
			}
			spent := s.SpentCoins.GetAndChange(txHash, func() *SpentCoinState { return &SpentCoinState{TxHash: txHash} })
			for _, idx := range indices {
				spent.remove(idx)
			}
		}
		return nil

	case TxEnrollment:
		var p EnrollmentPayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode EnrollmentPayload: %w", err)
		}
		val := s.Validators.GetAndChange(p.PubKey, func() *ValidatorState { return NewValidatorState(p.PubKey) })
		val.Registered = boolToFlag(true)
		return nil

	case TxState:
		var p StatePayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode StatePayload: %w", err)
		}
		for _, d := range p.Descriptors {
			if err := applyStateDescriptor(s, governingAssetID, d); err != nil {
				return err
			}
		}
		return nil

	case TxPublish:
		var p PublishPayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode PublishPayload: %w", err)
		}
		sh := ScriptHashFromScript(p.Script)
		s.Contracts.GetOrAdd(sh, func() *ContractState {
			return &ContractState{
				ScriptHash:    sh,
				Script:        p.Script,
				ParameterList: p.ParameterList,
				ReturnType:    p.ReturnType,
				Properties:    contractProperties(p),
				Name:          p.Name,
				Version:       p.Version,
				Author:        p.Author,
				Email:         p.Email,
				Description:   p.Description,
			}
		})
		return nil

	case TxInvocation:
		var p InvocationPayload
		if err := rlp.DecodeBytes(tx.Data, &p); err != nil {
			return fmt.Errorf("core: decode InvocationPayload: %w", err)
		}
		ar, err := runInvocation(s, tx, p)
		if err != nil {
			return err
		}
		result.AppResults = append(result.AppResults, ar)
		return nil

	case TxContract:
		// A bare Contract-kind transaction carries no payload of its own
		// beyond the coin movement already applied above.
		return nil

	default:
		return fmt.Errorf("core: persist: unknown transaction type %s", tx.Type)
	}
}

func contractProperties(p PublishPayload) byte {
	if p.NeedsStorage.bool() {
		return ContractNeedsStorage
	}
	return 0
}

// applyStateDescriptor applies one StateTransaction descriptor (spec.md
// §4.5.e "State": Account->votes reassignment, Validator->registered
// toggle).
func applyStateDescriptor(s *Snapshot, governingAssetID Hash256, d StateDescriptor) error {
	switch d.Type {
	case DescriptorAccount:
		var sh Hash160
		copy(sh[:], d.Key)
		return applyVoteReassignment(s, governingAssetID, sh, d)
	case DescriptorValidator:
		var pk PubKey
		copy(pk[:], d.Key)
		return applyValidatorDescriptor(s, pk, d)
	default:
		return fmt.Errorf("core: unknown state descriptor type %d", d.Type)
	}
}

// applyVoteReassignment implements the vote reassignment algorithm
// ("Vote reassignment algorithm"): subtract the account's
// governing-token balance from every validator it used to vote for,
// update ValidatorsCount when the vote-count bucket changes, then add the
// balance to every validator in the new vote set.
func applyVoteReassignment(s *Snapshot, governingAssetID Hash256, scriptHash Hash160, d StateDescriptor) error {
	if d.Field != "Votes" {
		return fmt.Errorf("core: unsupported account descriptor field %q", d.Field)
	}
	var newVotesRaw []PubKey
	if err := rlp.DecodeBytes(d.Value, &newVotesRaw); err != nil {
		return fmt.Errorf("core: decode vote list: %w", err)
	}
	newVotes := distinctPubKeys(newVotesRaw)

	acct := s.Accounts.GetAndChange(scriptHash, func() *AccountState { return NewAccountState(scriptHash) })
	balance := acct.Balance(governingAssetID)
	oldVotes := acct.Votes

	for _, v := range oldVotes {
		val := s.Validators.GetAndChange(v, func() *ValidatorState { return NewValidatorState(v) })
		val.Votes = val.Votes.Sub(balance)
		if val.ShouldDelete() {
			s.Validators.Delete(v)
		}
	}
	if len(newVotes) != len(oldVotes) {
		vc := s.ValidatorsCount.GetAndChange(validatorsCountKey, func() *ValidatorsCountState { return new(ValidatorsCountState) })
		if len(oldVotes) > 0 {
			vc.Add(len(oldVotes)-1, -balance)
		}
		if len(newVotes) > 0 {
			vc.Add(len(newVotes)-1, balance)
		}
	}
	acct.Votes = newVotes
	for _, v := range newVotes {
		val := s.Validators.GetAndChange(v, func() *ValidatorState { return NewValidatorState(v) })
		val.Votes = val.Votes.Add(balance)
	}
	return nil
}

func applyValidatorDescriptor(s *Snapshot, pk PubKey, d StateDescriptor) error {
	if d.Field != "Registered" {
		return fmt.Errorf("core: unsupported validator descriptor field %q", d.Field)
	}
	val := s.Validators.GetAndChange(pk, func() *ValidatorState { return NewValidatorState(pk) })
	val.Registered = boolToFlag(len(d.Value) > 0 && d.Value[0] != 0)
	if val.ShouldDelete() {
		s.Validators.Delete(pk)
	}
	return nil
}

func distinctPubKeys(in []PubKey) []PubKey {
	seen := make(map[PubKey]bool, len(in))
	out := make([]PubKey, 0, len(in))
	for _, pk := range in {
		if seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out
}

// ----- invocation / VM integration ---------------------

// snapshotVMStore adapts a cloned Snapshot's Storages cache to vm.Store.
type snapshotVMStore struct {
	snap *Snapshot
}

func (v *snapshotVMStore) GetStorage(sh [20]byte, key string) ([]byte, bool) {
	item, ok := v.snap.Storages.TryGet(StorageKey{ScriptHash: Hash160(sh), Key: key})
	if !ok {
		return nil, false
	}
	return item.Value, true
}

func (v *snapshotVMStore) PutStorage(sh [20]byte, key string, value []byte) {
	v.snap.Storages.GetAndChange(StorageKey{ScriptHash: Hash160(sh), Key: key}, func() *StorageItem { return new(StorageItem) }).Value = value
}

func (v *snapshotVMStore) Commit() error {
	return v.snap.Commit()
}

// runInvocation executes an InvocationTransaction's script against a
// cloned snapshot, committing its writes back to s only on a successful
// halt.
func runInvocation(s *Snapshot, tx *Transaction, p InvocationPayload) (ApplicationExecutionResult, error) {
	scriptHash := ScriptHashFromScript(p.Script)
	clone := s.Clone()
	store := &snapshotVMStore{snap: clone}
	eng := vm.NewEngine(store, [20]byte(scriptHash), int64(p.GasLimit))
	eng.Execute(p.Script)
	if err := eng.Commit(); err != nil {
		return ApplicationExecutionResult{}, fmt.Errorf("core: invocation commit: %w", err)
	}
	return ApplicationExecutionResult{
		TxHash:        tx.Hash(),
		VMState:       eng.State(),
		GasConsumed:   Fixed8(eng.GasConsumed()),
		Stack:         eng.ResultStack(),
		Notifications: eng.Notifications(),
	}, nil
}
