package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

var ErrUnsupportedKey = errors.New("trust: unsupported private key")

// Credential is the EV contract: certificate chain plus private key handle.
type Credential struct {
	// Chain is DER encoded, leaf first.
	Chain [][]byte
	Leaf  *x509.Certificate
	Key   crypto.Signer
	EMAID string
}

// LoadContract reads the contract chain and its private key. The eMAID is the
// leaf's common name.
func LoadContract(certPath, keyPath string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("trust: read contract chain: %w", err)
	}
	certs, err := ParseCertificates(certPEM)
	if err != nil {
		return nil, fmt.Errorf("trust: parse contract chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoAnchors, certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("trust: read contract key: %w", err)
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		Leaf:  certs[0],
		Key:   key,
		EMAID: certs[0].Subject.CommonName,
	}
	for _, cert := range certs {
		cred.Chain = append(cred.Chain, cert.Raw)
	}
	return cred, nil
}

// LoadContractPKCS12 reads the contract chain and key from a PKCS#12 bundle,
// the format mobility operators usually hand out.
func LoadContractPKCS12(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read contract bundle: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("trust: decode contract bundle: %w", err)
	}

	var (
		certs []*x509.Certificate
		key   crypto.Signer
	)
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("trust: parse bundled certificate: %w", err)
			}
			certs = append(certs, cert)
		default:
			if key, err = parseKeyDER(block.Bytes); err != nil {
				return nil, err
			}
		}
	}
	if key == nil {
		return nil, fmt.Errorf("%w: bundle holds no key", ErrUnsupportedKey)
	}

	leaf := -1
	for i, cert := range certs {
		if matchesKey(cert, key) {
			leaf = i
			break
		}
	}
	if leaf < 0 {
		return nil, fmt.Errorf("%w: no certificate for the bundled key", ErrEmptyChain)
	}

	cred := &Credential{
		Leaf:  certs[leaf],
		Key:   key,
		EMAID: certs[leaf].Subject.CommonName,
		Chain: [][]byte{certs[leaf].Raw},
	}
	for i, cert := range certs {
		if i != leaf {
			cred.Chain = append(cred.Chain, cert.Raw)
		}
	}
	return cred, nil
}

func matchesKey(cert *x509.Certificate, key crypto.Signer) bool {
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(key.Public())
}

// ParsePrivateKey decodes a PKCS#8, SEC 1 or PKCS#1 PEM private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	return parseKeyDER(block.Bytes)
}

// parseKeyDER accepts PKCS#8 and falls back to SEC 1 and PKCS#1, since PEM
// labels are not always accurate.
func parseKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: not PKCS#8, SEC 1 or PKCS#1", ErrUnsupportedKey)
}

// Sign signs the SHA-256 digest of challenge with the contract key.
func (c *Credential) Sign(challenge []byte) ([]byte, error) {
	if c == nil || c.Key == nil {
		return nil, errors.New("trust: credential released")
	}
	digest := sha256.Sum256(challenge)
	return c.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// Release drops the key handle and chain. Safe to call more than once.
func (c *Credential) Release() {
	if c == nil {
		return
	}
	c.Key = nil
	c.Leaf = nil
	c.Chain = nil
}

// VerifySignature checks a challenge signature made with the key of cert.
func VerifySignature(cert *x509.Certificate, challenge, signature []byte) error {
	var algo x509.SignatureAlgorithm
	switch cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		algo = x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		algo = x509.SHA256WithRSA
	default:
		return ErrUnsupportedKey
	}
	if err := cert.CheckSignature(algo, challenge, signature); err != nil {
		return fmt.Errorf("trust: signature: %w", err)
	}
	return nil
}
