// Package receipt implements the deterministic SignedState encoding and its
// ed25519 verification. The contract verifies identical bytes when settling,
// so any drift here would let one side settle an amount the other never
// agreed to.
package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/nearpay/vectigal/pkg/u128"
)

const (
	// SignatureSize is the raw ed25519 signature width.
	SignatureSize = ed25519.SignatureSize
	// MaxChannelNameLen bounds the length prefix so a hostile header cannot
	// ask for an absurd allocation. Channel names are account-id sized.
	MaxChannelNameLen = 256
)

// ErrMalformed wraps all decode failures.
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "malformed signed state: " + e.Reason }

func malformed(format string, args ...interface{}) error {
	return &ErrMalformed{Reason: fmt.Sprintf(format, args...)}
}

// ErrSignature is returned when a receipt does not verify.
type ErrSignature struct{ Reason string }

func (e *ErrSignature) Error() string { return "invalid signature: " + e.Reason }

// State is the signed claim: cumulative spend on one channel.
type State struct {
	ChannelName  string
	SpentBalance *big.Int
}

// SignedState is a state plus the sender's raw 64-byte signature over its
// canonical encoding.
type SignedState struct {
	State
	Signature []byte
}

// Encode produces the canonical state bytes:
// u32 LE name length, UTF-8 name, 16-byte LE spent balance.
func Encode(s State) ([]byte, error) {
	if len(s.ChannelName) == 0 || len(s.ChannelName) > MaxChannelNameLen {
		return nil, malformed("channel name length %d", len(s.ChannelName))
	}
	if !utf8.ValidString(s.ChannelName) {
		return nil, malformed("channel name is not valid UTF-8")
	}
	spent, err := u128.ToLE(s.SpentBalance)
	if err != nil {
		return nil, malformed("spent balance: %v", err)
	}
	out := make([]byte, 0, 4+len(s.ChannelName)+u128.Size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.ChannelName)))
	out = append(out, s.ChannelName...)
	out = append(out, spent...)
	return out, nil
}

// EncodeSigned appends the raw signature to the state encoding. This is the
// decoded form of the X-Payment-Channel-State header.
func EncodeSigned(ss SignedState) ([]byte, error) {
	if len(ss.Signature) != SignatureSize {
		return nil, malformed("signature must be %d bytes, got %d", SignatureSize, len(ss.Signature))
	}
	state, err := Encode(ss.State)
	if err != nil {
		return nil, err
	}
	return append(state, ss.Signature...), nil
}

// DecodeSigned parses header payload bytes. The buffer must be consumed
// exactly; trailing bytes mean a different message was signed than the one
// we would verify.
func DecodeSigned(b []byte) (*SignedState, error) {
	if len(b) < 4 {
		return nil, malformed("truncated length prefix")
	}
	nameLen := binary.LittleEndian.Uint32(b)
	if nameLen == 0 || nameLen > MaxChannelNameLen {
		return nil, malformed("channel name length %d", nameLen)
	}
	rest := b[4:]
	if uint32(len(rest)) != nameLen+u128.Size+SignatureSize {
		return nil, malformed("payload length %d does not match name length %d", len(b), nameLen)
	}
	name := string(rest[:nameLen])
	if !utf8.ValidString(name) {
		return nil, malformed("channel name is not valid UTF-8")
	}
	rest = rest[nameLen:]
	spent, err := u128.FromLE(rest[:u128.Size])
	if err != nil {
		return nil, malformed("spent balance: %v", err)
	}
	sig := make([]byte, SignatureSize)
	copy(sig, rest[u128.Size:])
	return &SignedState{
		State:     State{ChannelName: name, SpentBalance: spent},
		Signature: sig,
	}, nil
}

// ParseHeader decodes a base64 X-Payment-Channel-State header value.
func ParseHeader(value string) (*SignedState, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, malformed("base64: %v", err)
	}
	return DecodeSigned(raw)
}

// FormatHeader renders a signed state as a header value.
func FormatHeader(ss SignedState) (string, error) {
	raw, err := EncodeSigned(ss)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// scalarOrder is the ed25519 group order L. Signatures whose s scalar is not
// reduced mod L have a second valid encoding; the contract rejects them and
// so must we.
var scalarOrder, _ = new(big.Int).SetString(
	"1000000000000000000000000000000014def9dea2f79cd65812631a5cf5d3ed", 16)

// Verify checks the signature over the canonical state encoding under the
// sender's public key, rejecting malleable encodings.
func Verify(ss *SignedState, pk ed25519.PublicKey) error {
	if len(pk) != ed25519.PublicKeySize {
		return &ErrSignature{Reason: fmt.Sprintf("public key must be %d bytes", ed25519.PublicKeySize)}
	}
	if len(ss.Signature) != SignatureSize {
		return &ErrSignature{Reason: fmt.Sprintf("signature must be %d bytes", SignatureSize)}
	}
	// s is the trailing 32 bytes, little-endian. Require s < L.
	sBytes := make([]byte, 32)
	for i, b := range ss.Signature[32:] {
		sBytes[31-i] = b
	}
	if new(big.Int).SetBytes(sBytes).Cmp(scalarOrder) >= 0 {
		return &ErrSignature{Reason: "non-canonical scalar"}
	}
	message, err := Encode(ss.State)
	if err != nil {
		return &ErrSignature{Reason: err.Error()}
	}
	if !ed25519.Verify(pk, message, ss.Signature) {
		return &ErrSignature{Reason: "verification failed"}
	}
	return nil
}

// Sign produces a receiver-side signed state, used for the zero-balance
// close voucher.
func Sign(s State, key ed25519.PrivateKey) (*SignedState, error) {
	message, err := Encode(s)
	if err != nil {
		return nil, err
	}
	return &SignedState{State: s, Signature: ed25519.Sign(key, message)}, nil
}
