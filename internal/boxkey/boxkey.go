// Package boxkey holds the relayer's HPKE (RFC 9180) key pair: the ECDH
// half of the data model that deposit payloads are encrypted under. The
// client encapsulates to this package's public key, producing an `enc`
// value alongside an AEAD ciphertext; Open reverses that with the private
// key, which is exactly the "ECDH-derived shared secret + AEAD" decrypt
// step the deposit pipeline's first step performs.
//
// Grounded on parsdao-pars/hpke/contract.go's singleShotOpen/singleShotSeal
// pair for the circl/hpke call sequence (parse suite, unmarshal key,
// NewReceiver/NewSender, Setup, Open/Seal), fixed here to a single suite —
// X25519 KEM, HKDF-SHA256, ChaCha20Poly1305 AEAD — instead of that
// precompile's runtime-selectable suite IDs, since this deployment only
// ever needs one.
package boxkey

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/cloudflare/circl/hpke"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/veil-relayer/internal/apierr"
)

var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// info is the HPKE application-info string binding every deposit envelope
// to this protocol, preventing cross-protocol ciphertext confusion.
var info = []byte("veil-relayer/deposit/v1")

// KeyPair is the relayer's long-lived HPKE key pair.
type KeyPair struct {
	pub  hpke.KEMPublicKey
	priv hpke.KEMPrivateKey
}

// LoadOrGenerate reads a raw private key from path or generates and
// persists a fresh one if absent, mirroring blindsign.LoadOrGenerate's
// load-or-bootstrap shape for key material.
func LoadOrGenerate(path string, log *logrus.Logger) (*KeyPair, error) {
	scheme := suite.KEM.Scheme()

	data, err := os.ReadFile(path)
	if err == nil {
		priv, perr := scheme.UnmarshalBinaryPrivateKey(data)
		if perr != nil {
			return nil, fmt.Errorf("parse hpke key %s: %w", path, perr)
		}
		log.Infof("boxkey: loaded HPKE key pair from %s", path)
		return &KeyPair{pub: priv.Public(), priv: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read hpke key %s: %w", path, err)
	}

	pub, priv, gerr := scheme.GenerateKeyPair()
	if gerr != nil {
		return nil, fmt.Errorf("generate hpke key: %w", gerr)
	}
	raw, merr := priv.MarshalBinary()
	if merr != nil {
		return nil, fmt.Errorf("marshal hpke key: %w", merr)
	}
	if werr := os.WriteFile(path, raw, 0o600); werr != nil {
		return nil, fmt.Errorf("persist hpke key %s: %w", path, werr)
	}
	log.Warnf("boxkey: generated new HPKE key pair at %s; clients must re-fetch /info", path)
	return &KeyPair{pub: pub, priv: priv}, nil
}

// PublicBytes returns the public key encoding advertised via /info.
func (k *KeyPair) PublicBytes() ([]byte, error) {
	return k.pub.MarshalBinary()
}

// Open decrypts ciphertext sent by a client that encapsulated to this key
// pair's public key, producing enc. Any failure (malformed enc, wrong key,
// tampered ciphertext) is reported as a single opaque crypto error rather
// than distinguishing the cause.
func (k *KeyPair) Open(enc, ciphertext, aad []byte) ([]byte, error) {
	receiver, err := suite.NewReceiver(k.priv, info)
	if err != nil {
		return nil, apierr.Wrap(apierr.Crypto, "hpke_setup", "set up HPKE receiver", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, apierr.Wrap(apierr.Crypto, "hpke_setup", "set up HPKE opener", err)
	}
	plaintext, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, apierr.New(apierr.Crypto, "hpke_decrypt_failed", "payload decryption failed")
	}
	return plaintext, nil
}

// Seal encrypts plaintext to recipientPub, used only by this package's own
// tests to exercise the round trip — real clients perform this step in
// their own browser prover runtime, outside this repository.
func Seal(recipientPub []byte, plaintext, aad []byte) (enc, ciphertext []byte, err error) {
	scheme := suite.KEM.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal recipient public key: %w", err)
	}
	sender, err := suite.NewSender(pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("new hpke sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke sender setup: %w", err)
	}
	ciphertext, err = sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke seal: %w", err)
	}
	return enc, ciphertext, nil
}
