// Package trusttest generates throwaway PKI material for tests.
package trusttest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// PKI lists the files written by Generate.
type PKI struct {
	RootDir       string
	RootFile      string
	ContractChain string
	ContractKey   string
	ServerCert    string
	ServerKey     string
	EMAID         string
}

// Generate writes a root CA, a contract leaf and a localhost server certificate
// into dir.
func Generate(t testing.TB, dir string) PKI {
	t.Helper()

	rootKey := newKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Mobility Operator Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}

	pki := PKI{
		RootDir:       filepath.Join(dir, "root"),
		ContractChain: filepath.Join(dir, "contractchain.pem"),
		ContractKey:   filepath.Join(dir, "contract.key"),
		ServerCert:    filepath.Join(dir, "server.pem"),
		ServerKey:     filepath.Join(dir, "server.key"),
		EMAID:         "DE8AAA1234567",
	}
	pki.RootFile = filepath.Join(pki.RootDir, "root.pem")
	if err := os.MkdirAll(pki.RootDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePEM(t, pki.RootFile, "CERTIFICATE", rootDER)

	contractKey := newKey(t)
	contractDER := issue(t, root, rootKey, &contractKey.PublicKey, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: pki.EMAID},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	})
	writePEM(t, pki.ContractChain, "CERTIFICATE", contractDER, rootDER)
	writeKey(t, pki.ContractKey, contractKey)

	serverKey := newKey(t)
	serverDER := issue(t, root, rootKey, &serverKey.PublicKey, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	writePEM(t, pki.ServerCert, "CERTIFICATE", serverDER)
	writeKey(t, pki.ServerKey, serverKey)

	return pki
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func issue(t testing.TB, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, pub *ecdsa.PublicKey, tmpl *x509.Certificate) []byte {
	t.Helper()
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	return der
}

func writePEM(t testing.TB, path, blockType string, ders ...[]byte) {
	t.Helper()
	var out []byte
	for _, der := range ders {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})...)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeKey(t testing.TB, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	writePEM(t, path, "PRIVATE KEY", der)
}
