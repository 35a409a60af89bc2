package blindsign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"io"
	"math/big"
	"testing"

	"github.com/sirupsen/logrus"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(priv, log)
}

// unblind is the client-side half of the protocol; the engine never
// implements it. It lives only in this test to exercise the full
// blind-sign round trip.
func unblind(blindSig, r, n *big.Int) *big.Int {
	rInv := new(big.Int).ModInverse(r, n)
	return new(big.Int).Mod(new(big.Int).Mul(blindSig, rInv), n)
}

func TestBlindSignVerifyRoundTrip(t *testing.T) {
	e := testEngine(t)

	var tokenID [32]byte
	if _, err := rand.Read(tokenID[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	h := sha256.Sum256(tokenID[:])
	m := new(big.Int).SetBytes(h[:])

	n := e.pub.N
	exp := big.NewInt(int64(e.pub.E))

	// Client blinds m with a random r coprime to n.
	var r *big.Int
	for {
		var err error
		r, err = rand.Int(rand.Reader, n)
		if err != nil {
			t.Fatalf("rand.Int: %v", err)
		}
		if r.Sign() > 0 && new(big.Int).GCD(nil, nil, r, n).Cmp(big.NewInt(1)) == 0 {
			break
		}
	}
	rE := new(big.Int).Exp(r, exp, n)
	blinded := new(big.Int).Mod(new(big.Int).Mul(m, rE), n)

	blindSig, err := e.BlindSign(blinded)
	if err != nil {
		t.Fatalf("BlindSign: %v", err)
	}

	sig := unblind(blindSig, r, n)

	if !e.Verify(tokenID, sig) {
		t.Fatalf("Verify must accept a correctly unblinded signature")
	}

	// Tamper with one byte of the token id; verification must now fail.
	tampered := tokenID
	tampered[0] ^= 0xFF
	if e.Verify(tampered, sig) {
		t.Fatalf("Verify must reject a signature for a different token id")
	}
}

func TestVerifyRejectsOutOfRangeSignature(t *testing.T) {
	e := testEngine(t)
	var tokenID [32]byte
	_, _ = rand.Read(tokenID[:])

	if e.Verify(tokenID, e.pub.N) {
		t.Fatalf("Verify must reject sig >= n")
	}
	if e.Verify(tokenID, big.NewInt(0)) {
		t.Fatalf("Verify must reject sig <= 0")
	}
}

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rsa_signing_key.der"
	log := logrus.New()
	log.SetOutput(io.Discard)

	e1, err := LoadOrGenerate(path, log)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	e2, err := LoadOrGenerate(path, log)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if e1.pub.N.Cmp(e2.pub.N) != 0 {
		t.Fatalf("reloaded key must match the generated one")
	}
}
