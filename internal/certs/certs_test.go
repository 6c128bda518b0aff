package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func loadCertFromFile(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read cert file %s: %v", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatalf("failed to decode PEM from %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse certificate from %s: %v", path, err)
	}
	return cert
}

func TestGenerateCA(t *testing.T) {
	dir := t.TempDir()

	result, err := GenerateCA(dir)
	if err != nil {
		t.Fatalf("GenerateCA returned error: %v", err)
	}

	cert := loadCertFromFile(t, result.CACertPath)
	if !cert.IsCA {
		t.Error("CA certificate should have IsCA=true")
	}
	if cert.Subject.CommonName != "esmserve-dev-ca" {
		t.Errorf("unexpected CA common name %q", cert.Subject.CommonName)
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA certificate should allow cert signing")
	}
}

func TestGenerateServerCertHosts(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA(dir)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	result, err := GenerateServerCert(dir, ca, []string{"localhost", "dev.test", "127.0.0.1", "::1"})
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}

	cert := loadCertFromFile(t, result.ServerCertPath)
	if len(cert.DNSNames) != 2 || cert.DNSNames[0] != "localhost" || cert.DNSNames[1] != "dev.test" {
		t.Errorf("unexpected DNS names %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 2 {
		t.Errorf("expected 2 IP SANs, got %v", cert.IPAddresses)
	}
	if err := cert.CheckSignatureFrom(ca.CACert); err != nil {
		t.Errorf("server cert not signed by CA: %v", err)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("expected server auth usage, got %v", cert.ExtKeyUsage)
	}
}

func TestLoadOrGenerateFirstRunGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	assets, err := LoadOrGenerate(Config{Dir: dir})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !assets.WasGenerated || assets.GenerationReason != generationReasonFullGeneration {
		t.Errorf("expected full generation, got %+v", assets)
	}
	for _, path := range []string{assets.CACertPath, assets.ServerCertPath, assets.ServerKeyPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	cert := loadCertFromFile(t, assets.ServerCertPath)
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("expected default DNS name localhost, got %v", cert.DNSNames)
	}
}

func TestLoadOrGenerateSecondRunReuses(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	first, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	before, _ := os.ReadFile(first.ServerCertPath)

	second, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if second.WasGenerated || second.GenerationReason != generationReasonReused {
		t.Errorf("expected reuse, got %+v", second)
	}
	after, _ := os.ReadFile(second.ServerCertPath)
	if string(before) != string(after) {
		t.Error("server cert should not change on reuse")
	}
}

func TestLoadOrGenerateCustomPaths(t *testing.T) {
	generated, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	assets, err := LoadOrGenerate(Config{CustomCert: generated.ServerCertPath, CustomKey: generated.ServerKeyPath})
	if err != nil {
		t.Fatalf("LoadOrGenerate with custom paths: %v", err)
	}
	if assets.WasGenerated || assets.GenerationReason != generationReasonCustom {
		t.Errorf("expected custom assets, got %+v", assets)
	}
	if assets.ServerCertPath != generated.ServerCertPath {
		t.Errorf("expected custom cert path, got %q", assets.ServerCertPath)
	}
}

func TestLoadOrGenerateConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"partial custom paths", Config{CustomCert: "/tmp/server.crt"}},
		{"custom path not found", Config{CustomCert: "/nonexistent/server.crt", CustomKey: "/nonexistent/server.key"}},
		{"no directory", Config{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadOrGenerate(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrivateKeyFilesHaveRestrictivePermissions(t *testing.T) {
	assets, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	for _, path := range []string{assets.ServerKeyPath, filepath.Join(filepath.Dir(assets.CACertPath), "ca.key")} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s has permissions %o, want 600", path, perm)
		}
	}
}

func writeExpiredCert(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "expired"},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     time.Now().Add(-1 * time.Hour), // expired 1 hour ago
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating expired cert: %v", err)
	}
	if err := writePEMFile(path, "CERTIFICATE", certDER); err != nil {
		t.Fatalf("writing expired cert: %v", err)
	}
}

func TestLoadOrGenerateExpiredServerCertRenewsWithSameCA(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	first, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	caBefore, _ := os.ReadFile(first.CACertPath)

	writeExpiredCert(t, first.ServerCertPath)

	assets, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if !assets.WasGenerated || assets.GenerationReason != generationReasonLeafRenewal {
		t.Errorf("expected leaf renewal, got %+v", assets)
	}

	cert := loadCertFromFile(t, assets.ServerCertPath)
	if time.Now().After(cert.NotAfter) {
		t.Error("renewed cert should not be expired")
	}
	caAfter, _ := os.ReadFile(assets.CACertPath)
	if string(caBefore) != string(caAfter) {
		t.Error("CA should be kept when only the server cert expired")
	}
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("creating stale lock: %v", err)
	}
	f.Close()

	staleTime := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("setting stale lock mtime: %v", err)
	}

	unlock, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("acquireLock should recover stale lock: %v", err)
	}
	unlock()
}

func TestLoadOrGenerateConcurrentSafe(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}

	const goroutines = 5
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = LoadOrGenerate(cfg)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d failed: %v", i, err)
		}
	}

	assets, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("final LoadOrGenerate: %v", err)
	}
	if assets.WasGenerated {
		t.Error("final call should reuse existing certs")
	}
}

func TestNewTLSConfig(t *testing.T) {
	assets, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	tlsCfg, err := NewTLSConfig(assets.ServerCertPath, assets.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if tlsCfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected TLS 1.2 minimum, got %x", tlsCfg.MinVersion)
	}
	if tlsCfg.ClientAuth != tls.NoClientCert {
		t.Errorf("expected no client auth, got %v", tlsCfg.ClientAuth)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("expected 1 server certificate, got %d", len(tlsCfg.Certificates))
	}

	if _, err := NewTLSConfig("/nonexistent/server.crt", "/nonexistent/server.key"); err == nil {
		t.Error("expected error for missing key pair")
	}
}

func TestTLSHandshakeTrustedCA(t *testing.T) {
	assets, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	tlsCfg, err := NewTLSConfig(assets.ServerCertPath, assets.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	caCertPEM, err := os.ReadFile(assets.CACertPath)
	if err != nil {
		t.Fatalf("reading CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caCertPEM)

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request trusting the dev CA should succeed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// Without the CA the handshake fails.
	if resp, err := (&http.Client{Transport: &http.Transport{}}).Get(srv.URL); err == nil {
		resp.Body.Close()
		t.Error("expected handshake failure without the dev CA")
	}
}
