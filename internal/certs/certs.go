// Package certs provides the certificate for serving the project over HTTPS.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultHosts are the names the generated server certificate is valid for.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// CAResult holds the paths and in-memory objects from CA generation.
type CAResult struct {
	CACertPath string
	CAKeyPath  string
	CACert     *x509.Certificate
	CAKey      *ecdsa.PrivateKey
}

// ServerCertResult holds the paths to the generated server certificate and key.
type ServerCertResult struct {
	ServerCertPath string
	ServerKeyPath  string
}

// GenerateCA creates a self-signed development CA and writes it to certsDir.
// Browsers trust the server certificate once ca.crt is installed.
func GenerateCA(certsDir string) (*CAResult, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "esmserve-dev-ca",
			Organization: []string{"esmserve"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "ca.crt")
	if err := writePEMFile(certPath, "CERTIFICATE", certDER); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}

	keyPath := filepath.Join(certsDir, "ca.key")
	if err := writeKeyFile(keyPath, key); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}

	return &CAResult{
		CACertPath: certPath,
		CAKeyPath:  keyPath,
		CACert:     cert,
		CAKey:      key,
	}, nil
}

// GenerateServerCert creates a server certificate signed by the CA for the
// given hosts (DNS names or IP literals). Validity is 1 year.
func GenerateServerCert(certsDir string, ca *CAResult, hosts []string) (*ServerCertResult, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "esmserve",
			Organization: []string{"esmserve"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.CACert, &key.PublicKey, ca.CAKey)
	if err != nil {
		return nil, fmt.Errorf("creating server certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")

	if err := writePEMFile(certPath, "CERTIFICATE", certDER); err != nil {
		return nil, fmt.Errorf("writing server cert: %w", err)
	}
	if err := writeKeyFile(keyPath, key); err != nil {
		return nil, fmt.Errorf("writing server key: %w", err)
	}

	return &ServerCertResult{
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
	}, nil
}

// Config holds certificate configuration.
type Config struct {
	// Dir receives generated certificates.
	Dir string
	// CustomCert and CustomKey, when both set, are used instead of generating.
	CustomCert string
	CustomKey  string
	// Hosts defaults to DefaultHosts.
	Hosts []string
}

// Assets holds the resolved certificate paths.
type Assets struct {
	CACertPath       string
	ServerCertPath   string
	ServerKeyPath    string
	WasGenerated     bool
	GenerationReason string
}

const (
	generationReasonCustom         = "custom"
	generationReasonReused         = "reused"
	generationReasonFullGeneration = "full-generation"
	generationReasonLeafRenewal    = "leaf-renewal"
)

// LoadOrGenerate resolves certificates based on configuration:
//   - If both custom paths are set, validates and uses them
//   - If unexpired certs exist in Dir, reuses them
//   - If only the server cert expired, renews it with the existing CA
//   - Otherwise, generates a new CA and server cert
func LoadOrGenerate(cfg Config) (*Assets, error) {
	hasCustom := cfg.CustomCert != "" || cfg.CustomKey != ""
	allCustom := cfg.CustomCert != "" && cfg.CustomKey != ""

	if hasCustom && !allCustom {
		return nil, errors.New("partial custom cert config: both --tls-cert and --tls-key must be set")
	}

	if allCustom {
		// Validate custom cert files are readable (open + close, not just stat)
		for _, path := range []string{cfg.CustomCert, cfg.CustomKey} {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("custom cert file not readable: %w", err)
			}
			f.Close()
		}
		return &Assets{
			ServerCertPath:   cfg.CustomCert,
			ServerKeyPath:    cfg.CustomKey,
			GenerationReason: generationReasonCustom,
		}, nil
	}

	if cfg.Dir == "" {
		return nil, errors.New("certificate directory must be set")
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	caCertPath := filepath.Join(cfg.Dir, "ca.crt")
	caKeyPath := filepath.Join(cfg.Dir, "ca.key")
	serverCertPath := filepath.Join(cfg.Dir, "server.crt")
	serverKeyPath := filepath.Join(cfg.Dir, "server.key")
	all := []string{caCertPath, caKeyPath, serverCertPath, serverKeyPath}

	reused := &Assets{
		CACertPath:       caCertPath,
		ServerCertPath:   serverCertPath,
		ServerKeyPath:    serverKeyPath,
		GenerationReason: generationReasonReused,
	}

	if allExist(all) {
		// A read error here may be a concurrent writer; settle it under the lock.
		if expired, err := certExpired(serverCertPath); err == nil && !expired {
			return reused, nil
		}
	}

	// Generate new certs with lock file to prevent race conditions
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}

	unlock, err := acquireLock(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("acquiring cert generation lock: %w", err)
	}
	defer unlock()

	// Re-check after acquiring lock; another process may have generated certs
	if allExist(all) {
		expired, err := certExpired(serverCertPath)
		if err != nil {
			return nil, fmt.Errorf("checking server certificate expiration: %w", err)
		}
		if !expired {
			return reused, nil
		}

		// An installed CA stays trusted; renew only the server certificate.
		caResult, err := loadCAFromDisk(caCertPath, caKeyPath)
		if err == nil {
			if _, err := GenerateServerCert(cfg.Dir, caResult, hosts); err != nil {
				return nil, fmt.Errorf("renewing server cert: %w", err)
			}
			return &Assets{
				CACertPath:       caCertPath,
				ServerCertPath:   serverCertPath,
				ServerKeyPath:    serverKeyPath,
				WasGenerated:     true,
				GenerationReason: generationReasonLeafRenewal,
			}, nil
		}
	}

	caResult, err := GenerateCA(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}

	serverResult, err := GenerateServerCert(cfg.Dir, caResult, hosts)
	if err != nil {
		return nil, fmt.Errorf("generating server cert: %w", err)
	}

	return &Assets{
		CACertPath:       caResult.CACertPath,
		ServerCertPath:   serverResult.ServerCertPath,
		ServerKeyPath:    serverResult.ServerKeyPath,
		WasGenerated:     true,
		GenerationReason: generationReasonFullGeneration,
	}, nil
}

// NewTLSConfig builds a *tls.Config for the server key pair with TLS 1.2 minimum.
func NewTLSConfig(serverCertPath, serverKeyPath string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
	}, nil
}

func allExist(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// staleLockAge is the maximum age of a lock file before it is considered stale
// and eligible for cleanup (e.g., left behind by a crashed process).
const staleLockAge = 5 * time.Minute

// acquireLock creates an exclusive lock file in certsDir to prevent concurrent
// certificate generation by multiple processes. Returns an unlock function.
// If a lock file older than staleLockAge is found, it is removed as stale.
func acquireLock(certsDir string) (func(), error) {
	lockPath := filepath.Join(certsDir, ".lock")
	for i := 0; i < 10; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(lockPath)
				continue
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("could not acquire cert generation lock at %s after 5s", lockPath)
}

// certExpired checks whether the PEM-encoded certificate at path has expired.
func certExpired(certPath string) (bool, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return false, fmt.Errorf("reading cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false, fmt.Errorf("no PEM data in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parsing certificate: %w", err)
	}
	return time.Now().After(cert.NotAfter), nil
}

// loadCAFromDisk loads a previously generated CA cert and key pair.
func loadCAFromDisk(caCertPath, caKeyPath string) (*CAResult, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	caCertBlock, _ := pem.Decode(caCertPEM)
	if caCertBlock == nil {
		return nil, fmt.Errorf("no PEM data in CA certificate %s", caCertPath)
	}
	caCert, err := x509.ParseCertificate(caCertBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	caKeyBlock, _ := pem.Decode(caKeyPEM)
	if caKeyBlock == nil {
		return nil, fmt.Errorf("no PEM data in CA key %s", caKeyPath)
	}
	caKey, err := x509.ParseECPrivateKey(caKeyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	return &CAResult{
		CACertPath: caCertPath,
		CAKeyPath:  caKeyPath,
		CACert:     caCert,
		CAKey:      caKey,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func writePEMFile(path, blockType string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func writeKeyFile(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling EC private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}
