package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearDirectoryIfNotEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bank-Account.js"), []byte("class Account {}"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	var out bytes.Buffer
	err := ClearDirectoryIfNotEmpty(dir, false, strings.NewReader("n\n"), &out)
	assert.ErrorIs(t, err, errNoAgreement)

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 2)

	require.NoError(t, ClearDirectoryIfNotEmpty(dir, false, strings.NewReader("y\n"), &out))
	entries, _ = os.ReadDir(dir)
	assert.Empty(t, entries)

	_, err = os.Stat(dir)
	assert.NoError(t, err)

	assert.NoError(t, ClearDirectoryIfNotEmpty(dir, false, strings.NewReader(""), &out))
}

func TestReadTypeNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.txt")
	require.NoError(t, os.WriteFile(path, []byte("# bank\nContoso.Bank.Account\n\n  Contoso.Bank.Customer  \n"), 0o600))

	names, err := readTypeNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Contoso.Bank.Account", "Contoso.Bank.Customer"}, names)
}

func TestLoadDescriptors_Manifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("types:\n  - name: Account\n    namespace: bank\n"), 0o600))

	descriptors, err := loadDescriptors(t.Context(), nil, sourceOptions{manifestPath: path})
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "bank.Account", descriptors[0].FullName)

	_, err = loadDescriptors(t.Context(), nil, sourceOptions{})
	assert.Error(t, err)

	_, err = loadDescriptors(t.Context(), nil, sourceOptions{manifestPath: path, inputPath: "types.txt"})
	assert.ErrorContains(t, err, "-metadataPath")

	_, err = loadDescriptors(t.Context(), nil, sourceOptions{inputPath: "types.txt", metadataPath: filepath.Join(t.TempDir(), "missing.winmd")})
	assert.ErrorContains(t, err, "-download")
}
