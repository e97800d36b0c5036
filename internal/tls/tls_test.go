package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"trust-engine/internal/config"
)

func TestDevCertGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"engine.local", "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "engine.local" || len(leaf.IPAddresses) != 1 {
		t.Errorf("SANs = %v / %v", leaf.DNSNames, leaf.IPAddresses)
	}

	second, err := gen.GenerateCert([]string{"engine.local"})
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Error("valid certificate on disk was not reused")
	}
	if gen.isCertificateValid(dir+"/dev-cert.pem", time.Now().Add(devCertValidity+time.Hour)) {
		t.Error("certificate reported valid past NotAfter")
	}
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()}, false)
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	again, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if again != cert {
		t.Error("certificate not cached")
	}
	if m.GetAutocertManager() != nil {
		t.Error("autocert enabled without AutoCert")
	}
}

func TestManagerRefusesDevCertInProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, Domain: "engine.example", AutoCertDir: t.TempDir()}, true)
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{}); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("err = %v, want ErrNoCertificate", err)
	}
	if m.GetTLSConfig().MinVersion != tls.VersionTLS12 {
		t.Error("min version below TLS 1.2")
	}
}
