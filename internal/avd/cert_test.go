// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testdata/ca.pem hashes to 83a924f4 with `openssl x509 -subject_hash_old`.
const caSubjectHash = "83a924f4"

func TestCertSubjectHash(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "ca.pem"))
	require.NoError(t, err)

	hash, err := CertSubjectHash(data)
	require.NoError(t, err)
	assert.Equal(t, caSubjectHash, hash)

	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	hash, err = CertSubjectHash(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, caSubjectHash, hash, "DER input hashes the same")
}

func TestCertSubjectHashRejectsGarbage(t *testing.T) {
	_, err := CertSubjectHash([]byte("not a certificate"))
	assert.Error(t, err)
}

func TestDeviceCertPath(t *testing.T) {
	p, err := DeviceCertPath(filepath.Join("testdata", "ca.pem"))
	require.NoError(t, err)
	assert.Equal(t, "/system/etc/security/cacerts/"+caSubjectHash+".0", p)

	_, err = DeviceCertPath(filepath.Join("testdata", "missing.pem"))
	assert.Error(t, err)
}
