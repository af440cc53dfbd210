package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GenesisSpec is the YAML fixture describing the hard-coded genesis block
// parameters (standby validator set and block timestamp). The teacher
// parses its node/network fixtures with yaml.v3 under cmd/config; genesis
// parameters are naturally another fixture of the same shape.
type GenesisSpec struct {
	Timestamp         uint32   `yaml:"timestamp"`
	StandbyValidators []string `yaml:"standby_validators"`
}

// LoadGenesis reads and parses a genesis YAML file at path.
func LoadGenesis(path string) (*GenesisSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file %s: %w", path, err)
	}
	var spec GenesisSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse genesis file %s: %w", path, err)
	}
	return &spec, nil
}

// DecodePubKeys hex-decodes each compressed validator public key, failing
// if any is not exactly 33 bytes (the expected secp256r1 compressed point
// length).
func (g *GenesisSpec) DecodePubKeys() ([][33]byte, error) {
	keys := make([][33]byte, len(g.StandbyValidators))
	for i, s := range g.StandbyValidators {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode standby validator %d: %w", i, err)
		}
		if len(b) != 33 {
			return nil, fmt.Errorf("standby validator %d: expected 33 bytes, got %d", i, len(b))
		}
		copy(keys[i][:], b)
	}
	return keys, nil
}
