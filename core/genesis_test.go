package core

import "testing"

func TestBuildGenesisBlockRequiresStandbyValidators(t *testing.T) {
	if _, err := BuildGenesisBlock(GenesisConfig{}); err == nil {
		t.Fatalf("expected error with no standby validators")
	}
}

func TestBuildGenesisBlockFixedTransactionOrder(t *testing.T) {
	v1 := newTestValidator(t)
	v2 := newTestValidator(t)
	cfg := testGenesisConfig(v1, v2)

	block, err := BuildGenesisBlock(cfg)
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	if len(block.Transactions) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(block.Transactions))
	}
	wantTypes := []TxType{TxMiner, TxRegister, TxRegister, TxIssue}
	for i, want := range wantTypes {
		if block.Transactions[i].Type != want {
			t.Fatalf("tx %d: got %v want %v", i, block.Transactions[i].Type, want)
		}
	}

	if err := block.VerifyGenesis(); err != nil {
		t.Fatalf("verify genesis: %v", err)
	}

	governingID := block.Transactions[1].Hash()
	issue := block.Transactions[3]
	if len(issue.Outputs) != 1 || issue.Outputs[0].AssetID != governingID {
		t.Fatalf("issue transaction does not reference the governing register tx hash: %+v", issue.Outputs)
	}
	if issue.Outputs[0].Value != GoverningTokenAmount {
		t.Fatalf("issue value=%v want %v", issue.Outputs[0].Value, GoverningTokenAmount)
	}

	wantAddr := ConsensusAddress(cfg.StandbyValidators)
	if issue.Outputs[0].ScriptHash != wantAddr {
		t.Fatalf("issue output scripthash does not match the standby multi-sig address")
	}
	if block.Header.NextConsensus != wantAddr {
		t.Fatalf("header NextConsensus does not match the standby multi-sig address")
	}
}

func TestConsensusAddressStableUnderValidatorReordering(t *testing.T) {
	v1 := newTestValidator(t)
	v2 := newTestValidator(t)
	a := ConsensusAddress([]PubKey{v1.pub, v2.pub})
	b := ConsensusAddress([]PubKey{v2.pub, v1.pub})
	if a != b {
		t.Fatalf("expected consensus address to be independent of input order")
	}
}

func TestScriptHashFromPubKeyIsDeterministic(t *testing.T) {
	v := newTestValidator(t)
	a := ScriptHashFromPubKey(v.pub)
	b := ScriptHashFromPubKey(v.pub)
	if a != b {
		t.Fatalf("expected deterministic script hash")
	}
}
