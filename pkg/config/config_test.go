// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `json:"name"`
	Procs int    `json:"procs"`
}

func TestLoadData(t *testing.T) {
	var cfg testConfig
	err := LoadData([]byte(`
# fuzzer config
{
	"name": "test",
	# trailing comment line
	"procs": 4
}
`), &cfg)
	require.NoError(t, err)
	assert.Equal(t, testConfig{Name: "test", Procs: 4}, cfg)
}

func TestLoadDataUnknownField(t *testing.T) {
	var cfg testConfig
	err := LoadData([]byte(`{"name": "test", "porcs": 4}`), &cfg)
	assert.ErrorContains(t, err, "porcs")
}

func TestLoadFileRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config")
	want := testConfig{Name: "roundtrip", Procs: 2}
	require.NoError(t, SaveFile(file, &want))
	var got testConfig
	require.NoError(t, LoadFile(file, &got))
	assert.Equal(t, want, got)
}

func TestLoadFileMissing(t *testing.T) {
	var cfg testConfig
	assert.Error(t, LoadFile("", &cfg))
	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "nonexistent"), &cfg))
}
