package field

import "testing"

func TestZeroChainRecurrence(t *testing.T) {
	z := ZeroChain(20)
	if len(z) != 21 {
		t.Fatalf("expected 21 entries, got %d", len(z))
	}
	if !z[0].IsZero() {
		t.Fatalf("Z[0] must be zero")
	}
	for i := 1; i <= 20; i++ {
		want := HashPair(z[i-1], z[i-1])
		if !want.Equal(&z[i]) {
			t.Fatalf("Z[%d] != Poseidon(Z[%d], Z[%d])", i, i-1, i-1)
		}
	}
}

func TestDomainSeparation(t *testing.T) {
	a := ElementFromUint64(1)
	b := ElementFromUint64(2)

	h1 := Hash(DomainCommit, a, b)
	h2 := Hash(DomainNullifier, a, b)
	if h1.Equal(&h2) {
		t.Fatalf("distinct domain tags must not collide on identical inputs")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := ElementFromUint64(42)
	b := ElementFromUint64(7)
	c := ElementFromUint64(100)

	h1 := CommitmentLeaf(a, b, c)
	h2 := CommitmentLeaf(a, b, c)
	if !h1.Equal(&h2) {
		t.Fatalf("CommitmentLeaf must be deterministic")
	}
}

func TestReduceAddress(t *testing.T) {
	var addr [32]byte
	for i := range addr {
		addr[i] = 0xFF
	}
	reduced := ReduceAddress(addr)
	if !IsFieldReduced(reduced) {
		t.Fatalf("reduced address must satisfy addr[0] & 0xE0 == 0")
	}
	if reduced[0] != 0x1F {
		t.Fatalf("expected top 3 bits cleared, got %08b", reduced[0])
	}
	for i := 1; i < 32; i++ {
		if reduced[i] != 0xFF {
			t.Fatalf("only byte 0 should change")
		}
	}
}

func TestWithdrawBindAsymmetric(t *testing.T) {
	nh := ElementFromUint64(1)
	recipient := ElementFromUint64(2)
	relayer := ElementFromUint64(3)
	fee := ElementFromUint64(4)

	b1 := WithdrawBind(nh, recipient, relayer, fee)
	b2 := WithdrawBind(nh, relayer, recipient, fee)
	if b1.Equal(&b2) {
		t.Fatalf("swapping recipient/relayer must change the binding hash")
	}
}
