// Package tlsbootstrap generates a private CA and a server certificate so the
// session server can listen on https:// without external tooling.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/buildkite/sandterm/internal/tlsconfig"
)

const (
	caCommonName     = "sandterm-ca"
	serverCommonName = "sandterm-server"
	validity         = 365 * 24 * time.Hour
)

var defaultServerHosts = []string{"localhost", "127.0.0.1", "::1"}

type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCA creates a self-signed ECDSA P-256 CA certificate.
func GenerateCA() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	return &KeyPair{CertPEM: encodeCertPEM(certDER), KeyPEM: encodeKeyPEM(key)}, nil
}

// IssueServerCert signs a server certificate valid for hosts, which may mix
// DNS names and IP addresses.
func IssueServerCert(ca *KeyPair, hosts []string) (*KeyPair, error) {
	if len(hosts) == 0 {
		return nil, errors.New("server certificate needs at least one host")
	}
	caCert, caKey, err := parseCA(ca.CertPEM, ca.KeyPEM)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	return &KeyPair{CertPEM: encodeCertPEM(certDER), KeyPEM: encodeKeyPEM(key)}, nil
}

// Init writes the CA and a server certificate into dir using the
// tlsconfig layout. The server certificate covers localhost plus extraHosts.
// An existing CA is kept unless force is set.
func Init(dir string, force bool, extraHosts []string) error {
	layout := tlsconfig.Layout{Dir: dir}
	if !force {
		if _, err := os.Stat(layout.CACert()); err == nil {
			return fmt.Errorf("CA already exists at %s (use --force to overwrite)", layout.CACert())
		}
	}

	ca, err := GenerateCA()
	if err != nil {
		return err
	}
	hosts := slices.Clone(defaultServerHosts)
	for _, h := range extraHosts {
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	server, err := IssueServerCert(ca, hosts)
	if err != nil {
		return fmt.Errorf("issue server certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create TLS directory: %w", err)
	}
	files := []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{layout.CACert(), ca.CertPEM, 0o644},
		{layout.CAKey(), ca.KeyPEM, 0o600},
		{layout.ServerCert(), server.CertPEM, 0o644},
		{layout.ServerKey(), server.KeyPEM, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
		}
	}
	return nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, errors.New("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *ecdsa.PrivateKey) []byte {
	der, _ := x509.MarshalECPrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
