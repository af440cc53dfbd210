package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"synnergy-network/core/vm"
)

// testValidator is a P-256 keypair plus its compressed-point PubKey form,
// used across dispatcher/persist/genesis/verify tests to build
// witnesses without duplicating key generation in every test file.
type testValidator struct {
	priv *ecdsa.PrivateKey
	pub  PubKey
}

func newTestValidator(t *testing.T) testValidator {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var pub PubKey
	compressed := elliptic.MarshalCompressed(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	copy(pub[:], compressed)
	return testValidator{priv: priv, pub: pub}
}

// sign produces a 64-byte fixed-width (r, s) signature over hash, matching
// the 64-byte InvocationScript shape verify.go expects.
func (v testValidator) sign(hash Hash256) []byte {
	r, s, err := ecdsa.Sign(rand.Reader, v.priv, hash[:])
	if err != nil {
		panic(err)
	}
	out := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(out[32-len(rBytes):32], rBytes)
	copy(out[64-len(sBytes):64], sBytes)
	return out
}

// encodeStoreScript builds a tiny PUSH value / STORE key script, the
// smallest program that exercises runInvocation's commit-on-halt path.
func encodeStoreScript(t *testing.T, key string, value int64) []byte {
	t.Helper()
	if len(key) > 255 {
		t.Fatalf("key too long for STORE opcode: %q", key)
	}
	script := make([]byte, 0, 1+8+1+1+len(key))
	script = append(script, byte(vm.OpPush))
	script = append(script, vmEncodeInt64(value)...)
	script = append(script, byte(vm.OpStore), byte(len(key)))
	script = append(script, key...)
	return script
}

// vmEncodeInt64 mirrors vm's unexported big-endian PUSH operand encoding.
func vmEncodeInt64(v int64) []byte {
	u := uint64(v)
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(u >> (8 * i))
	}
	return b
}

func mustDecodePayload(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := rlp.DecodeBytes(data, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

func testGenesisConfig(validators ...testValidator) GenesisConfig {
	pubs := make([]PubKey, len(validators))
	for i, v := range validators {
		pubs[i] = v.pub
	}
	return GenesisConfig{StandbyValidators: pubs, Timestamp: 1600000000}
}
