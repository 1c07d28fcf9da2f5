package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/generator"
)

func TestRunWritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer
	require.NoError(t, run([]string{"-users", "25", "-seed", "5", "-output-dir", dir}, &out))
	assert.Contains(t, out.String(), "Generated 25 users and 25 codes")

	ds, err := generator.ReadDataset(dir)
	require.NoError(t, err)
	assert.Len(t, ds.Users, 25)
}

func TestRunStdoutClampsProbabilities(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-users", "10", "-seed", "5", "-stdout", "-active-chance", "7"}, &out))

	var ds generator.Dataset
	require.NoError(t, json.Unmarshal(out.Bytes(), &ds))
	require.Len(t, ds.Users, 10)
	for _, u := range ds.Users {
		assert.True(t, u.MembershipActive)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	assert.Error(t, run([]string{"-transactions", "3"}, &bytes.Buffer{}))
}

func TestClampProbability(t *testing.T) {
	assert.Equal(t, 0.0, clampProbability(-1))
	assert.Equal(t, 0.4, clampProbability(0.4))
	assert.Equal(t, 1.0, clampProbability(3))
}
