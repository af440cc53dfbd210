package core

import "testing"

func TestCacheAddGetCommit(t *testing.T) {
	store := NewMemStore()
	snap := NewSnapshot(store)

	asset := &AssetState{Name: "GoverningToken"}
	var id Hash256
	id[0] = 1
	if err := snap.Assets.Add(id, asset); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := snap.Assets.Add(id, asset); err == nil {
		t.Fatalf("expected error re-adding existing key")
	}

	got, err := snap.Assets.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "GoverningToken" {
		t.Fatalf("got %+v", got)
	}

	if err := snap.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap2 := NewSnapshot(store)
	got2, ok := snap2.Assets.TryGet(id)
	if !ok || got2.Name != "GoverningToken" {
		t.Fatalf("post-commit fetch failed: %+v ok=%v", got2, ok)
	}
}

func TestCacheGetAndChangeSharesPointer(t *testing.T) {
	store := NewMemStore()
	snap := NewSnapshot(store)

	var sh Hash160
	sh[0] = 9
	first := snap.Accounts.GetAndChange(sh, func() *AccountState { return NewAccountState(sh) })
	first.Votes = append(first.Votes, PubKey{})

	second, ok := snap.Accounts.TryGet(sh)
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if len(second.Votes) != 1 {
		t.Fatalf("mutation through first handle not visible via second: %+v", second)
	}
}

func TestCacheDeleteRemovesOnCommit(t *testing.T) {
	store := NewMemStore()
	snap := NewSnapshot(store)
	var id Hash256
	id[0] = 5
	if err := snap.Assets.Add(id, &AssetState{Name: "x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := snap.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap2 := NewSnapshot(store)
	snap2.Assets.Delete(id)
	if err := snap2.Commit(); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	snap3 := NewSnapshot(store)
	if _, ok := snap3.Assets.TryGet(id); ok {
		t.Fatalf("expected entry to be gone after delete+commit")
	}
}

func TestSnapshotCloneCommitsIntoParentNotStore(t *testing.T) {
	store := NewMemStore()
	parent := NewSnapshot(store)
	child := parent.Clone()

	var id Hash256
	id[0] = 7
	if err := child.Assets.Add(id, &AssetState{Name: "child-asset"}); err != nil {
		t.Fatalf("add in clone: %v", err)
	}
	if err := child.Commit(); err != nil {
		t.Fatalf("commit clone: %v", err)
	}

	if _, ok := parent.Assets.TryGet(id); !ok {
		t.Fatalf("expected clone's commit to merge into parent")
	}

	fresh := NewSnapshot(store)
	if _, ok := fresh.Assets.TryGet(id); ok {
		t.Fatalf("clone commit must not reach the store directly")
	}

	if err := parent.Commit(); err != nil {
		t.Fatalf("commit parent: %v", err)
	}
	fresh2 := NewSnapshot(store)
	if _, ok := fresh2.Assets.TryGet(id); !ok {
		t.Fatalf("expected parent's own commit to flush to store")
	}
}

func TestHeaderByHashFallsBackToHeadersTable(t *testing.T) {
	store := NewMemStore()
	snap := NewSnapshot(store)

	hdr := BlockHeader{Index: 1, Timestamp: 100}
	hash := hdr.Hash()
	if err := snap.Headers.Add(hash, &TrimmedBlock{Header: hdr}); err != nil {
		t.Fatalf("add header: %v", err)
	}

	got, err := snap.HeaderByHash(hash)
	if err != nil {
		t.Fatalf("header by hash: %v", err)
	}
	if got.Index != 1 {
		t.Fatalf("got %+v", got)
	}

	if _, err := snap.HeaderByHash(Hash256{0xff}); err == nil {
		t.Fatalf("expected error for unknown hash")
	}
}
