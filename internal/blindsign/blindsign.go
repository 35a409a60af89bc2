// Package blindsign implements the relayer's blind-signature engine: an
// RSA-2048 key pair that blind-signs client-chosen tokens without ever
// seeing them, and independently verifies a finished signature against a
// token's hash.
//
// BlindSign is grounded on github.com/cloudflare/circl/blindrsa's Signer,
// whose BlindSign is the literal RFC 9474 modular exponentiation
// (blinded^d mod n) — reused here verbatim since the contracts coincide
// exactly. Verify, however, is implemented directly against crypto/rsa
// rather than circl's RSABSSA verifier: the required verify formula
// compares sig^e mod n to bytes_to_int(SHA-256(token_id)) with no
// EMSA-PSS padding, a full-domain-hash check distinct from RFC 9474's
// padded verification, so reusing circl's Verifier here would silently
// change the scheme's semantics (see DESIGN.md).
package blindsign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"

	"github.com/cloudflare/circl/blindrsa"
	"github.com/sirupsen/logrus"
)

const KeyBits = 2048

// Engine is the relayer's sole holder of the RSA key pair. It never sees
// token identities, payments, or amounts — only blinded integers and
// signatures.
type Engine struct {
	priv   *rsa.PrivateKey
	pub    *rsa.PublicKey
	signer blindrsa.Signer
	log    *logrus.Logger
}

// New wraps an already-loaded RSA private key.
func New(priv *rsa.PrivateKey, log *logrus.Logger) *Engine {
	return &Engine{
		priv:   priv,
		pub:    &priv.PublicKey,
		signer: blindrsa.NewSigner(priv),
		log:    log,
	}
}

// LoadOrGenerate reads an RSA private key from path (DER, PKCS#1) or
// generates and persists a fresh KeyBits-size key if the file is absent.
func LoadOrGenerate(path string, log *logrus.Logger) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, perr := x509.ParsePKCS1PrivateKey(data)
		if perr != nil {
			return nil, fmt.Errorf("parse rsa key %s: %w", path, perr)
		}
		log.Infof("blindsign: loaded RSA-%d key from %s", priv.N.BitLen(), path)
		return New(priv, log), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read rsa key %s: %w", path, err)
	}

	priv, gerr := rsa.GenerateKey(rand.Reader, KeyBits)
	if gerr != nil {
		return nil, fmt.Errorf("generate rsa key: %w", gerr)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	if werr := os.WriteFile(path, der, 0o600); werr != nil {
		return nil, fmt.Errorf("persist rsa key %s: %w", path, werr)
	}
	log.Warnf("blindsign: generated new RSA-%d signing key at %s; prior tokens (none yet) would be invalidated by rotation", KeyBits, path)
	return New(priv, log), nil
}

// BlindSign returns blinded^d mod n. It logs nothing about the blinded
// value, since the relayer cannot correlate it with any token identity.
func (e *Engine) BlindSign(blinded *big.Int) (*big.Int, error) {
	size := (e.pub.N.BitLen() + 7) / 8
	buf := blinded.FillBytes(make([]byte, size))
	sigBytes, err := e.signer.BlindSign(buf)
	if err != nil {
		return nil, fmt.Errorf("blind sign: %w", err)
	}
	return new(big.Int).SetBytes(sigBytes), nil
}

// Verify reports whether sig^e mod n == bytes_to_int(SHA-256(tokenID)).
func (e *Engine) Verify(tokenID [32]byte, sig *big.Int) bool {
	if sig == nil || sig.Sign() <= 0 || sig.Cmp(e.pub.N) >= 0 {
		return false
	}
	h := sha256.Sum256(tokenID[:])
	want := new(big.Int).SetBytes(h[:])
	got := new(big.Int).Exp(sig, big.NewInt(int64(e.pub.E)), e.pub.N)
	return got.Cmp(want) == 0
}

// PublicHex returns the modulus and exponent as hex strings for the /info
// endpoint.
func (e *Engine) PublicHex() (nHex, eHex string) {
	return hex.EncodeToString(e.pub.N.Bytes()), hex.EncodeToString(big.NewInt(int64(e.pub.E)).Bytes())
}
