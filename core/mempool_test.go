package core

import "testing"

func txWithFee(t *testing.T, nonce byte, fee Fixed8) *Transaction {
	t.Helper()
	feeData := encodePayload(fee)
	return &Transaction{
		Type:       TxInvocation,
		Attributes: []TxAttribute{{Usage: AttrUsageVote, Data: feeData}},
		Data:       []byte{nonce},
	}
}

func TestMempoolTryAddContainsRemove(t *testing.T) {
	m := NewMempool(10)
	tx := txWithFee(t, 1, Fixed8FromInt(1))
	added, err := m.TryAdd(tx)
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	if !m.Contains(tx.Hash()) {
		t.Fatalf("expected pool to contain tx")
	}
	added2, err := m.TryAdd(tx)
	if err != nil || added2 {
		t.Fatalf("re-adding same tx should be a no-op success: added=%v err=%v", added2, err)
	}
	if !m.TryRemove(tx.Hash()) {
		t.Fatalf("expected removal to succeed")
	}
	if m.Contains(tx.Hash()) {
		t.Fatalf("expected pool to no longer contain tx")
	}
}

func TestMempoolEvictsLowestPriorityOverCapacity(t *testing.T) {
	m := NewMempool(3)
	for i := 0; i < 3; i++ {
		if _, err := m.TryAdd(txWithFee(t, byte(i), Fixed8FromInt(int64(i+1)))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if m.Len() != 3 {
		t.Fatalf("len=%d want 3", m.Len())
	}

	highFeeTx := txWithFee(t, 99, Fixed8FromInt(100))
	added, err := m.TryAdd(highFeeTx)
	if err != nil || !added {
		t.Fatalf("add high fee tx: added=%v err=%v", added, err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected capacity to stay bounded at 3, got %d", m.Len())
	}
	if !m.Contains(highFeeTx.Hash()) {
		t.Fatalf("expected highest-fee tx to survive eviction")
	}
}

func TestMempoolTryAddSelfEvictedReturnsOutOfMemory(t *testing.T) {
	m := NewMempool(2)
	for i := 0; i < 2; i++ {
		if _, err := m.TryAdd(txWithFee(t, byte(i), Fixed8FromInt(100))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	lowFeeTx := txWithFee(t, 50, Fixed8FromInt(1))
	added, err := m.TryAdd(lowFeeTx)
	if added || err != ErrMempoolFull {
		t.Fatalf("expected self-eviction out-of-memory, got added=%v err=%v", added, err)
	}
	if m.Contains(lowFeeTx.Hash()) {
		t.Fatalf("expected the low-fee tx to have been evicted")
	}
}

func TestMempoolDescendingForReinsertionOrdersByPriority(t *testing.T) {
	m := NewMempool(10)
	low := txWithFee(t, 1, Fixed8FromInt(1))
	mid := txWithFee(t, 2, Fixed8FromInt(5))
	high := txWithFee(t, 3, Fixed8FromInt(20))
	for _, tx := range []*Transaction{mid, low, high} {
		if _, err := m.TryAdd(tx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	ordered := m.DescendingForReinsertion()
	if len(ordered) != 3 {
		t.Fatalf("len=%d want 3", len(ordered))
	}
	if ordered[0].Hash() != high.Hash() || ordered[2].Hash() != low.Hash() {
		t.Fatalf("expected descending fee order, got %v, %v, %v", ordered[0].Hash(), ordered[1].Hash(), ordered[2].Hash())
	}
}

func TestMempoolClearReturnsAllAndEmptiesPool(t *testing.T) {
	m := NewMempool(10)
	for i := 0; i < 5; i++ {
		if _, err := m.TryAdd(txWithFee(t, byte(i), Fixed8FromInt(1))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	cleared := m.Clear()
	if len(cleared) != 5 {
		t.Fatalf("cleared=%d want 5", len(cleared))
	}
	if m.Len() != 0 {
		t.Fatalf("expected pool empty after Clear, len=%d", m.Len())
	}
}
