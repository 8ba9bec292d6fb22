// Package identity manages a Pebble agent's self-signed cryptographic
// identity: a per-device X.509 leaf certificate, its fingerprint, and
// the TLS configurations peers use to pin against it.
package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/hash"
)

// OrganizationName is the fixed Subject.Organization of every Pebble
// leaf certificate.
const OrganizationName = "Pebble"

const (
	certFilename = "pebble_cert.der"
	keyFilename  = "pebble_key.der"
	rsaKeyBits   = 2048
	validFor     = 365 * 24 * time.Hour
)

// ErrFingerprintMismatch is returned by a pinned TLS verifier when the
// peer's leaf certificate fingerprint does not match the one the
// caller trusted.
var ErrFingerprintMismatch = errors.New("identity: peer certificate fingerprint mismatch")

// GetOrCreate loads the device's certificate and key from certDir if
// both files already exist; otherwise it generates a fresh RSA-2048
// self-signed leaf (CN=deviceName, O=Pebble, OU=deviceID), persists it
// atomically, and returns it.
func GetOrCreate(certDir, deviceID, deviceName string) (*pebble.TlsCertificate, error) {
	certPath := filepath.Join(certDir, certFilename)
	keyPath := filepath.Join(certDir, keyFilename)

	certDER, certErr := os.ReadFile(certPath)
	keyDER, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		glog.V(2).Infof("identity: loaded existing certificate from %s", certDir)
		return &pebble.TlsCertificate{
			CertDER:     certDER,
			KeyDER:      keyDER,
			Fingerprint: hash.CertFingerprint(certDER),
		}, nil
	}

	glog.Infof("identity: generating new certificate for device %q", deviceName)
	cert, err := generate(deviceID, deviceName)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	if err := persist(certDir, cert); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return cert, nil
}

// Delete removes the persisted certificate and key from certDir, if
// present. A missing file is not an error.
func Delete(certDir string) error {
	for _, name := range []string{certFilename, keyFilename} {
		if err := os.Remove(filepath.Join(certDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("identity: remove %s: %w", name, err)
		}
	}
	return nil
}

func generate(deviceID, deviceName string) (*pebble.TlsCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         deviceName,
			Organization:       []string{OrganizationName},
			OrganizationalUnit: []string{deviceID},
		},
		DNSNames:              []string{deviceName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)

	return &pebble.TlsCertificate{
		CertDER:     certDER,
		KeyDER:      keyDER,
		Fingerprint: hash.CertFingerprint(certDER),
	}, nil
}

// persist writes the certificate and key to disk atomically: each
// file is written to a ".tmp" sibling and then renamed into place, so
// a crash mid-write never leaves a truncated identity file behind.
func persist(certDir string, cert *pebble.TlsCertificate) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(certDir, certFilename), cert.CertDER); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(certDir, keyFilename), cert.KeyDER)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// ServerConfig returns the TLS server configuration for accepting
// inbound transfer connections, presenting cert as the sole leaf.
func ServerConfig(cert *pebble.TlsCertificate) (*tls.Config, error) {
	tlsCert, err := tls.X509KeyPair(pemEncodeCert(cert.CertDER), pemEncodeKey(cert.KeyDER))
	if err != nil {
		return nil, fmt.Errorf("identity: building tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns the TLS client configuration used to dial a
// peer. Certificate validation is bypassed in favor of fingerprint
// pinning: if trustedFingerprint is non-nil, the peer's leaf must
// match it exactly (hashed with internal/hash.CertFingerprint) or the
// handshake fails with ErrFingerprintMismatch. If trustedFingerprint
// is nil, any certificate is accepted on first use: a trust-on-first-use
// default, never a blanket skip of verification once a fingerprint is
// known.
func ClientConfig(trustedFingerprint *string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // verification happens in VerifyPeerCertificate below
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("identity: peer presented no certificate")
			}
			if trustedFingerprint == nil {
				return nil
			}
			fp := hash.CertFingerprint(rawCerts[0])
			if fp != *trustedFingerprint {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}

func pemEncodeCert(der []byte) []byte {
	return pemEncode("CERTIFICATE", der)
}

func pemEncodeKey(der []byte) []byte {
	return pemEncode("RSA PRIVATE KEY", der)
}

func pemEncode(blockType string, der []byte) []byte {
	buf := new(bytes.Buffer)
	// pem.Encode only fails if the writer fails, which a bytes.Buffer never does.
	_ = pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}
