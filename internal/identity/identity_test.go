package identity

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestGenerateAndFingerprint(t *testing.T) {
	cert, err := generate("device-1", "laptop")
	if err != nil {
		t.Fatalf("generate(): %s", err)
	}
	if cert.Fingerprint == "" {
		t.Error("expected non-empty fingerprint")
	}
	parsed, err := x509.ParseCertificate(cert.CertDER)
	if err != nil {
		t.Fatalf("ParseCertificate(): %s", err)
	}
	if parsed.Subject.CommonName != "laptop" {
		t.Errorf("CommonName = %s, want laptop", parsed.Subject.CommonName)
	}
	if got := parsed.Subject.Organization; len(got) != 1 || got[0] != OrganizationName {
		t.Errorf("Organization = %v, want [%s]", got, OrganizationName)
	}
	if got := parsed.Subject.OrganizationalUnit; len(got) != 1 || got[0] != "device-1" {
		t.Errorf("OrganizationalUnit = %v, want [device-1]", got)
	}
}

func TestGetOrCreatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	first, err := GetOrCreate(dir, "device-1", "laptop")
	if err != nil {
		t.Fatalf("GetOrCreate() first call: %s", err)
	}
	second, err := GetOrCreate(dir, "device-1", "laptop")
	if err != nil {
		t.Fatalf("GetOrCreate() second call: %s", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Error("expected reloaded certificate to have the same fingerprint")
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	if _, err := GetOrCreate(dir, "device-1", "laptop"); err != nil {
		t.Fatal(err)
	}
	if err := Delete(dir); err != nil {
		t.Fatalf("Delete(): %s", err)
	}
	if err := Delete(dir); err != nil {
		t.Errorf("Delete() on already-deleted dir should be a no-op, got: %s", err)
	}
}

func TestClientConfigFingerprintPinning(t *testing.T) {
	cert, err := generate("device-1", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	good := cert.Fingerprint
	bad := "0000000000000000000000000000000000000000000000000000000000000000"

	cfg := ClientConfig(&good)
	if err := cfg.VerifyPeerCertificate([][]byte{cert.CertDER}, nil); err != nil {
		t.Errorf("expected matching fingerprint to verify, got: %s", err)
	}

	cfg = ClientConfig(&bad)
	if err := cfg.VerifyPeerCertificate([][]byte{cert.CertDER}, nil); err == nil {
		t.Error("expected mismatched fingerprint to fail verification")
	}

	cfg = ClientConfig(nil)
	if err := cfg.VerifyPeerCertificate([][]byte{cert.CertDER}, nil); err != nil {
		t.Errorf("expected trust-on-first-use (nil pin) to accept, got: %s", err)
	}
}

func TestServerConfigBuildsUsableTLSCertificate(t *testing.T) {
	cert, err := generate("device-1", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := ServerConfig(cert)
	if err != nil {
		t.Fatalf("ServerConfig(): %s", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}
