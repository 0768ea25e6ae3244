// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Pos   int    `json:"pos"`
	Phase string `json:"phase"`
}

func TestStateRoundTrip(t *testing.T) {
	st, err := NewState("sample", &samplePayload{Pos: 42, Phase: "havoc"})
	require.NoError(t, err)
	text, err := st.Encode()
	require.NoError(t, err)

	decoded, err := DecodeState(text)
	require.NoError(t, err)
	var got samplePayload
	require.NoError(t, decoded.Unpack("sample", &got))
	assert.Equal(t, samplePayload{Pos: 42, Phase: "havoc"}, got)
}

func TestStateKindMismatch(t *testing.T) {
	st, err := NewState("sample", &samplePayload{})
	require.NoError(t, err)
	var got samplePayload
	err = st.Unpack("other", &got)
	assert.ErrorContains(t, err, "kind mismatch")
}

func TestStateVersionMismatch(t *testing.T) {
	st, err := NewState("sample", &samplePayload{})
	require.NoError(t, err)
	st.Version = StateVersion + 1
	var got samplePayload
	err = st.Unpack("sample", &got)
	assert.ErrorContains(t, err, "unsupported")
}

func TestStateBadText(t *testing.T) {
	_, err := DecodeState("{not json")
	assert.Error(t, err)
}

func TestFuzzResultString(t *testing.T) {
	assert.Equal(t, "crash", ResultCrash.String())
	assert.Equal(t, "none", ResultNone.String())
	assert.NotEmpty(t, FuzzResult(100).String())
}
