package vm

import "testing"

type fakeStore struct {
	data      map[string][]byte
	committed bool
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (f *fakeStore) GetStorage(sh [20]byte, key string) ([]byte, bool) {
	v, ok := f.data[string(sh[:])+"|"+key]
	return v, ok
}

func (f *fakeStore) PutStorage(sh [20]byte, key string, value []byte) {
	f.data[string(sh[:])+"|"+key] = value
}

func (f *fakeStore) Commit() error {
	f.committed = true
	return nil
}

func push(v int64) []byte {
	b := []byte{byte(OpPush)}
	return append(b, encodeInt64(v)...)
}

func TestEngineAddAndSubtract(t *testing.T) {
	var script []byte
	script = append(script, push(7)...)
	script = append(script, push(3)...)
	script = append(script, byte(OpAdd))
	script = append(script, push(2)...)
	script = append(script, byte(OpSub))
	script = append(script, byte(OpRet))

	store := newFakeStore()
	e := NewEngine(store, [20]byte{1}, 100)
	e.Execute(script)

	if e.State() != StateHalt {
		t.Fatalf("expected HALT, got %v (fault=%v)", e.State(), e.Fault())
	}
	stack := e.ResultStack()
	if len(stack) != 1 || stack[0] != 8 {
		t.Fatalf("expected [8], got %v", stack)
	}
	if e.GasConsumed() != 6 {
		t.Fatalf("gas consumed=%d want 6", e.GasConsumed())
	}
}

func TestEngineStoreLoadRoundTrip(t *testing.T) {
	var script []byte
	script = append(script, push(99)...)
	script = append(script, byte(OpStore), 1, 'k')
	script = append(script, byte(OpLoad), 1, 'k')
	script = append(script, byte(OpLog))
	script = append(script, byte(OpRet))

	store := newFakeStore()
	sh := [20]byte{9}
	e := NewEngine(store, sh, 100)
	e.Execute(script)

	if e.State() != StateHalt {
		t.Fatalf("expected HALT, got %v (fault=%v)", e.State(), e.Fault())
	}
	if len(e.ResultStack()) != 1 || e.ResultStack()[0] != 99 {
		t.Fatalf("expected reloaded value 99 on stack, got %v", e.ResultStack())
	}
	if len(e.Notifications()) != 1 || e.Notifications()[0].Payload[0] != 99 {
		t.Fatalf("expected one notification carrying 99, got %+v", e.Notifications())
	}

	if err := e.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !store.committed {
		t.Fatalf("expected store.Commit to be called on HALT")
	}
	raw, ok := store.GetStorage(sh, "k")
	if !ok || decodeInt64(raw) != 99 {
		t.Fatalf("expected durable storage write of 99, got %v ok=%v", raw, ok)
	}
}

func TestEngineStackUnderflowFaults(t *testing.T) {
	script := []byte{byte(OpAdd)}
	e := NewEngine(newFakeStore(), [20]byte{}, 100)
	e.Execute(script)
	if e.State() != StateFault {
		t.Fatalf("expected FAULT, got %v", e.State())
	}
	if e.Fault() == nil {
		t.Fatalf("expected a fault error to be recorded")
	}
}

func TestEngineOutOfGasFaultsAndConsumesBudget(t *testing.T) {
	var script []byte
	script = append(script, push(1)...)
	script = append(script, push(1)...)
	script = append(script, byte(OpAdd))
	script = append(script, byte(OpRet))

	e := NewEngine(newFakeStore(), [20]byte{}, 2)
	e.Execute(script)
	if e.State() != StateFault {
		t.Fatalf("expected FAULT on insufficient gas, got %v", e.State())
	}
	if e.GasConsumed() != 2 {
		t.Fatalf("gas consumed=%d want 2 (budget fully spent before fault)", e.GasConsumed())
	}
}

func TestEngineUnknownOpcodeFaults(t *testing.T) {
	e := NewEngine(newFakeStore(), [20]byte{}, 100)
	e.Execute([]byte{0xFF})
	if e.State() != StateFault {
		t.Fatalf("expected FAULT on unknown opcode, got %v", e.State())
	}
}

func TestEngineJmpIfZeroSkipsWhenTopIsZero(t *testing.T) {
	var script []byte
	script = append(script, push(0)...)
	script = append(script, byte(OpJmpIfZero), 0, 9) // skip the 9-byte PUSH that follows
	script = append(script, push(111)...)
	script = append(script, byte(OpRet))

	e := NewEngine(newFakeStore(), [20]byte{}, 100)
	e.Execute(script)
	if e.State() != StateHalt {
		t.Fatalf("expected HALT, got %v (fault=%v)", e.State(), e.Fault())
	}
	if len(e.ResultStack()) != 0 {
		t.Fatalf("expected the skipped PUSH to leave the stack empty, got %v", e.ResultStack())
	}
}

func TestEngineCommitIsNoOpOnFault(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, [20]byte{}, 100)
	e.Execute([]byte{byte(OpAdd)})
	if err := e.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.committed {
		t.Fatalf("expected Commit to be a no-op on a faulted run")
	}
}
