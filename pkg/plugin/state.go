// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package plugin

import (
	"encoding/json"
	"fmt"
)

// StateVersion is the current version of the state envelope format.
const StateVersion = 1

// State is the serialized form of a plugin's internal state. It travels as
// opaque text between harness invocations; the envelope is versioned so that
// a round trip either reproduces identical behavior or fails loudly.
type State struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// NewState packs the given payload into a state envelope.
func NewState(kind string, payload any) (*State, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %v state: %w", kind, err)
	}
	return &State{
		Version: StateVersion,
		Kind:    kind,
		Data:    data,
	}, nil
}

// Unpack decodes the payload, checking version and kind first.
func (s *State) Unpack(kind string, payload any) error {
	if s.Version != StateVersion {
		return fmt.Errorf("unsupported %v state version %v (want %v)", kind, s.Version, StateVersion)
	}
	if s.Kind != kind {
		return fmt.Errorf("state kind mismatch: got %q, want %q", s.Kind, kind)
	}
	if err := json.Unmarshal(s.Data, payload); err != nil {
		return fmt.Errorf("failed to parse %v state: %w", kind, err)
	}
	return nil
}

// Encode renders the state as opaque text.
func (s *State) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return string(data), nil
}

// DecodeState parses opaque text produced by Encode.
func DecodeState(text string) (*State, error) {
	s := new(State)
	if err := json.Unmarshal([]byte(text), s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return s, nil
}
