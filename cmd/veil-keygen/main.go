// Command veil-keygen generates a deposit or treasury wallet keypair with a
// BIP-39 recovery phrase, the operator-facing counterpart to the keys the
// relayer daemon loads at startup.
//
// Grounded on core/wallet.go's NewRandomWallet/WalletFromMnemonic
// (bip39.NewEntropy/NewMnemonic/NewSeed), simplified from that file's full
// SLIP-0010 hierarchical derivation to a single Ed25519 keypair seeded
// directly from the BIP-39 seed's first 32 bytes — this repository never
// derives per-account/per-index child keys, so carrying HD derivation
// would be unused machinery.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
	bip39 "github.com/tyler-smith/go-bip39"
)

type keyFile struct {
	Address    string `json:"address"`
	PublicKey  string `json:"public_key_hex"`
	PrivateKey string `json:"private_key_hex"`
}

func main() {
	out := flag.String("out", "wallet.json", "output keypair file path")
	entropyBits := flag.Int("entropy-bits", 256, "BIP-39 entropy size (128 or 256)")
	flag.Parse()

	entropy, err := bip39.NewEntropy(*entropyBits)
	if err != nil {
		fatalf("generate entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		fatalf("generate mnemonic: %v", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	if len(seed) < ed25519.SeedSize {
		fatalf("bip39 seed shorter than an ed25519 seed")
	}

	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)

	kf := keyFile{
		Address:    base58.Encode(pub),
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		fatalf("encode keypair: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fatalf("write %s: %v", *out, err)
	}

	fmt.Printf("address:  %s\n", kf.Address)
	fmt.Printf("keypair written to: %s\n", *out)
	fmt.Printf("recovery phrase (write this down, it is not saved to disk):\n\n  %s\n\n", mnemonic)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
