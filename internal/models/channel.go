package models

import (
	"encoding/base64"
	"math/big"
	"time"

	"github.com/nearpay/vectigal/pkg/u128"
)

// Channel mirrors one payment channel of the on-chain contract.
// Participants and keys are immutable once the channel is opened; balances
// only ever grow and are refreshed from chain. Yocto amounts are stored as
// fixed-width little-endian u128 blobs to keep them bit-exact with the
// contract and header encodings.
type Channel struct {
	ID        int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
	// Name is the globally unique channel id agreed with the contract.
	Name string `json:"name" gorm:"column:name;uniqueIndex;not null"`
	// Sender is the payer account id.
	Sender string `json:"sender" gorm:"column:sender;not null"`
	// SenderPK is the sender's raw 32-byte ed25519 public key. Every admitted
	// receipt must verify under this key.
	SenderPK []byte `json:"sender_pk" gorm:"column:sender_pk;not null"`
	// Receiver is the provider account id.
	Receiver string `json:"receiver" gorm:"column:receiver;not null"`
	// ReceiverPK is the provider's raw 32-byte ed25519 public key.
	ReceiverPK []byte `json:"receiver_pk" gorm:"column:receiver_pk;not null"`
	// AddedBalance is the total deposited on-chain, 16-byte LE u128.
	AddedBalance []byte `json:"added_balance" gorm:"column:added_balance;not null"`
	// WithdrawnBalance is the total withdrawn or committed to withdrawal.
	WithdrawnBalance []byte `json:"withdrawn_balance" gorm:"column:withdrawn_balance;not null"`
	// ForceCloseStarted is the unix time the sender started a force close,
	// nil while the channel is not force closing.
	ForceCloseStarted *int64 `json:"force_close_started" gorm:"column:force_close_started"`
	// SoftClosed is set once the provider has submitted the final receipt;
	// no further receipts are admitted.
	SoftClosed bool `json:"soft_closed" gorm:"column:soft_closed;default:false"`
	// Settled marks the channel terminal; the row is kept for history.
	Settled bool `json:"settled" gorm:"column:settled;default:false;index"`
	// LastActive is the unix time of the last admission, used by the
	// background sweep to find stale channels.
	LastActive int64 `json:"last_active" gorm:"column:last_active;index"`
}

func (Channel) TableName() string { return "channel" }

// Added decodes the deposited balance. A malformed blob decodes as zero,
// which fails closed: no receipt can be admitted against it.
func (c *Channel) Added() *big.Int {
	v, err := u128.FromLE(c.AddedBalance)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// Withdrawn decodes the withdrawn balance.
func (c *Channel) Withdrawn() *big.Int {
	v, err := u128.FromLE(c.WithdrawnBalance)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// ClosedAt reports whether the channel refuses new receipts at instant now,
// given the configured dispute window.
func (c *Channel) ClosedAt(now time.Time, disputeWindow time.Duration) bool {
	if c.Settled || c.SoftClosed {
		return true
	}
	if c.ForceCloseStarted != nil {
		deadline := time.Unix(*c.ForceCloseStarted, 0).Add(disputeWindow)
		return !now.Before(deadline)
	}
	return false
}

// SignedStateEntry is one admitted receipt. The log is append-only; the
// current authorized spend of a channel is the entry with the highest
// spent balance, which monotonicity makes the latest one.
type SignedStateEntry struct {
	ID        int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
	ChannelID int64     `json:"channel_id" gorm:"column:channel_id;index;not null"`
	// SpentBalance is the cumulative authorized spend, 16-byte LE u128.
	SpentBalance []byte `json:"spent_balance" gorm:"column:spent_balance;not null"`
	// Signature is the sender's 64-byte ed25519 signature, base64.
	Signature string `json:"signature" gorm:"column:signature;not null"`
}

func (SignedStateEntry) TableName() string { return "signed_state" }

// Spent decodes the cumulative spend of this entry.
func (s *SignedStateEntry) Spent() *big.Int {
	v, err := u128.FromLE(s.SpentBalance)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// SignatureBytes decodes the stored signature back to its raw 64 bytes.
func (s *SignedStateEntry) SignatureBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.Signature)
}
