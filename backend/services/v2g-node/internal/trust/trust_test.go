package trust_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/trust/trusttest"
)

func TestLoadContractAndVerifyAgainstAnchors(t *testing.T) {
	pki := trusttest.Generate(t, t.TempDir())

	anchors, err := trust.LoadContractChain(pki.RootDir)
	if err != nil {
		t.Fatalf("load anchors: %v", err)
	}
	if anchors.Len() != 1 {
		t.Fatalf("expected 1 anchor, got %d", anchors.Len())
	}

	cred, err := trust.LoadContract(pki.ContractChain, pki.ContractKey)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if cred.EMAID != pki.EMAID {
		t.Fatalf("expected emaid %s, got %s", pki.EMAID, cred.EMAID)
	}
	if len(cred.Chain) != 2 {
		t.Fatalf("expected chain of 2, got %d", len(cred.Chain))
	}

	leaf, err := anchors.VerifyChain(cred.Chain, time.Now())
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	challenge := []byte("0123456789abcdef")
	sig, err := cred.Sign(challenge)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := trust.VerifySignature(leaf, challenge, sig); err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	if err := trust.VerifySignature(leaf, []byte("other challenge!"), sig); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestVerifyChainRejectsForeignRoot(t *testing.T) {
	first := trusttest.Generate(t, t.TempDir())
	second := trusttest.Generate(t, t.TempDir())

	anchors, err := trust.LoadContractChain(first.RootDir)
	if err != nil {
		t.Fatalf("load anchors: %v", err)
	}
	cred, err := trust.LoadContract(second.ContractChain, second.ContractKey)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	// drop the foreign root so only the leaf is presented
	if _, err := anchors.VerifyChain(cred.Chain[:1], time.Now()); err == nil {
		t.Fatalf("expected verification failure")
	}
	if _, err := anchors.VerifyChain(nil, time.Now()); !errors.Is(err, trust.ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}
}

func TestLoadContractChainEmptyDir(t *testing.T) {
	if _, err := trust.LoadContractChain(t.TempDir()); !errors.Is(err, trust.ErrNoAnchors) {
		t.Fatalf("expected ErrNoAnchors, got %v", err)
	}
}

func TestCredentialReleaseIsIdempotent(t *testing.T) {
	pki := trusttest.Generate(t, t.TempDir())
	cred, err := trust.LoadContract(pki.ContractChain, pki.ContractKey)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	cred.Release()
	cred.Release()
	if _, err := cred.Sign([]byte("x")); err == nil {
		t.Fatalf("expected sign to fail after release")
	}
}

func TestLoadContractPKCS12RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.p12")
	if err := os.WriteFile(path, []byte("not a pkcs12 bundle"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := trust.LoadContractPKCS12(path, "secret"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := trust.LoadContractPKCS12(filepath.Join(t.TempDir(), "missing.p12"), ""); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func TestParsePrivateKeyGenericLabelFallback(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sec1, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// SEC 1 bytes under the PKCS#8 label, as PKCS#12 conversion produces them
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: sec1})
	signer, err := trust.ParsePrivateKey(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !key.PublicKey.Equal(signer.Public()) {
		t.Fatalf("parsed a different key")
	}
	if _, err := trust.ParsePrivateKey([]byte("garbage")); !errors.Is(err, trust.ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey, got %v", err)
	}
}
