package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGenesisFixture(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadGenesisParsesTimestampAndValidators(t *testing.T) {
	key := strings.Repeat("02", 33)
	path := writeGenesisFixture(t, "timestamp: 1468595301\nstandby_validators:\n  - \""+key+"\"\n")

	spec, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	if spec.Timestamp != 1468595301 {
		t.Fatalf("timestamp=%d want 1468595301", spec.Timestamp)
	}
	if len(spec.StandbyValidators) != 1 || spec.StandbyValidators[0] != key {
		t.Fatalf("unexpected validators: %+v", spec.StandbyValidators)
	}
}

func TestLoadGenesisMissingFileFails(t *testing.T) {
	if _, err := LoadGenesis(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing genesis file")
	}
}

func TestLoadGenesisMalformedYAMLFails(t *testing.T) {
	path := writeGenesisFixture(t, "timestamp: [this is not, a scalar\n")
	if _, err := LoadGenesis(path); err == nil {
		t.Fatalf("expected a parse error for malformed yaml")
	}
}

func TestDecodePubKeysRoundTrips(t *testing.T) {
	raw := make([]byte, 33)
	raw[0] = 0x02
	raw[1] = 0xAB
	spec := &GenesisSpec{StandbyValidators: []string{hex.EncodeToString(raw)}}

	keys, err := spec.DecodePubKeys()
	if err != nil {
		t.Fatalf("decode pub keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != [33]byte(raw[:33]) {
		t.Fatalf("unexpected decoded key: %x", keys)
	}
}

func TestDecodePubKeysRejectsWrongLength(t *testing.T) {
	spec := &GenesisSpec{StandbyValidators: []string{hex.EncodeToString([]byte{1, 2, 3})}}
	if _, err := spec.DecodePubKeys(); err == nil {
		t.Fatalf("expected rejection of a non-33-byte key")
	}
}

func TestDecodePubKeysRejectsInvalidHex(t *testing.T) {
	spec := &GenesisSpec{StandbyValidators: []string{"not-hex"}}
	if _, err := spec.DecodePubKeys(); err == nil {
		t.Fatalf("expected rejection of invalid hex")
	}
}

func TestDecodePubKeysEmptyListReturnsEmptySlice(t *testing.T) {
	spec := &GenesisSpec{}
	keys, err := spec.DecodePubKeys()
	if err != nil {
		t.Fatalf("decode pub keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %d", len(keys))
	}
}
