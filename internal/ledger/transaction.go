package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
)

// AccountMeta references one account used by an instruction, in the
// fee-payer/signer transaction model this package's transactions follow.
type AccountMeta struct {
	Pubkey     [32]byte
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program call within a transaction message.
type Instruction struct {
	ProgramID [32]byte
	Accounts  []AccountMeta
	Data      []byte
}

// Message is the unsigned body of a transaction: a fee payer, a recent
// blockhash (replay protection, fetched from the ledger immediately before
// signing), and an ordered instruction list.
type Message struct {
	FeePayer        [32]byte
	RecentBlockhash [32]byte
	Instructions    []Instruction
}

// Transaction pairs a Message with the signatures over its serialized
// bytes, one per required signer (here, always exactly the fee payer —
// the relayer never constructs multi-signer transactions).
type Transaction struct {
	Message    Message
	Signatures [][]byte
}

// serializeMessage produces the canonical byte encoding that is signed and
// submitted. The exact on-chain wire format is the ledger runtime's own
// concern; this encoding only needs to be stable and self-describing so
// the relayer's own signatures verify.
func serializeMessage(m Message) []byte {
	var buf bytes.Buffer
	buf.Write(m.FeePayer[:])
	buf.Write(m.RecentBlockhash[:])

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Instructions)))
	buf.Write(countBuf[:])

	for _, ix := range m.Instructions {
		buf.Write(ix.ProgramID[:])
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(ix.Accounts)))
		buf.Write(countBuf[:])
		for _, a := range ix.Accounts {
			buf.Write(a.Pubkey[:])
			if a.IsSigner {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			if a.IsWritable {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(ix.Data)))
		buf.Write(countBuf[:])
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// signTransaction signs Message with signer (always the deposit wallet for
// every pool/verifier-writing call — see Client.authorPool) and returns the
// fully formed Transaction.
func signTransaction(msg Message, signer ed25519.PrivateKey) Transaction {
	mb := serializeMessage(msg)
	sig := ed25519.Sign(signer, mb)
	return Transaction{Message: msg, Signatures: [][]byte{sig}}
}
