// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"crypto/md5"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"os"
	"path"
)

// SystemCACertDir is where Android reads trusted system CA certificates.
const SystemCACertDir = "/system/etc/security/cacerts"

// CertSubjectHash computes the OpenSSL "subject_hash_old" of a PEM or DER
// certificate, the name Android expects for files in SystemCACertDir.
func CertSubjectHash(data []byte) (string, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	sum := md5.Sum(cert.RawSubject)
	return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(sum[:4])), nil
}

// DeviceCertPath returns the on-device path for the certificate file.
func DeviceCertPath(certFile string) (string, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return "", err
	}
	hash, err := CertSubjectHash(data)
	if err != nil {
		return "", err
	}
	return path.Join(SystemCACertDir, hash+".0"), nil
}
