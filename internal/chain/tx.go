package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/nearpay/vectigal/pkg/u128"
)

const (
	ed25519KeyType = 0
	// functionCallVariant is the FunctionCall action's enum index in the
	// protocol's action encoding.
	functionCallVariant = 2
)

// transaction is the wire form of one function-call transaction. The
// encoding follows the protocol's deterministic layout: length-prefixed
// strings, little-endian integers, enums as a single variant byte.
type transaction struct {
	SignerID   string
	PublicKey  ed25519.PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte

	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *big.Int
}

func appendString(out []byte, s string) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
	return append(out, s...)
}

func appendBytes(out, b []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

func (t *transaction) encode() ([]byte, error) {
	if len(t.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	deposit, err := u128.ToLE(t.Deposit)
	if err != nil {
		return nil, fmt.Errorf("invalid deposit: %w", err)
	}

	out := appendString(nil, t.SignerID)
	out = append(out, ed25519KeyType)
	out = append(out, t.PublicKey...)
	out = binary.LittleEndian.AppendUint64(out, t.Nonce)
	out = appendString(out, t.ReceiverID)
	out = append(out, t.BlockHash[:]...)

	// single function-call action
	out = binary.LittleEndian.AppendUint32(out, 1)
	out = append(out, functionCallVariant)
	out = appendString(out, t.MethodName)
	out = appendBytes(out, t.Args)
	out = binary.LittleEndian.AppendUint64(out, t.Gas)
	out = append(out, deposit...)
	return out, nil
}

// signedEncode signs the transaction hash and appends the signature,
// producing the broadcast payload.
func (t *transaction) signedEncode(key ed25519.PrivateKey) ([]byte, error) {
	raw, err := t.encode()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(raw)
	sig := ed25519.Sign(key, digest[:])

	out := append(raw, ed25519KeyType)
	out = append(out, sig...)
	return out, nil
}
