package trust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNoAnchors  = errors.New("trust: no certificates found")
	ErrEmptyChain = errors.New("trust: empty certificate chain")
)

// AnchorSet is the read-only set of root certificates used to verify contract
// chains. It is shared by every session on the charging point.
type AnchorSet struct {
	pool  *x509.CertPool
	certs []*x509.Certificate
}

// LoadContractChain loads every PEM certificate found at path, which may be a
// directory or a single file.
func LoadContractChain(path string) (*AnchorSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("trust: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("trust: read dir: %w", err)
		}
		files = files[:0]
		for _, entry := range entries {
			if entry.IsDir() || !isCertFile(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}

	set := &AnchorSet{pool: x509.NewCertPool()}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("trust: read %s: %w", file, err)
		}
		certs, err := ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("trust: parse %s: %w", file, err)
		}
		for _, cert := range certs {
			set.pool.AddCert(cert)
			set.certs = append(set.certs, cert)
		}
	}
	if len(set.certs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoAnchors, path)
	}
	return set, nil
}

// Len returns the number of anchors.
func (a *AnchorSet) Len() int {
	return len(a.certs)
}

// Pool returns the anchors as a certificate pool.
func (a *AnchorSet) Pool() *x509.CertPool {
	return a.pool
}

// VerifyChain verifies a DER chain, leaf first, against the anchors at the given time
// and returns the parsed leaf.
func (a *AnchorSet) VerifyChain(chain [][]byte, at time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("trust: parse leaf: %w", err)
	}
	intermediates := x509.NewCertPool()
	for _, der := range chain[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("trust: parse intermediate: %w", err)
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         a.pool,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("trust: verify chain: %w", err)
	}
	return leaf, nil
}

// ParseCertificates decodes every CERTIFICATE block in data.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func isCertFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pem", ".crt", ".cer":
		return true
	}
	return false
}
