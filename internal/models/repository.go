package models

import (
	"math/big"
	"time"
)

// Repository is the channel ledger. Admit is the only write path for
// receipts and the single place double-spend is prevented.
type Repository interface {
	// GetChannel returns the channel row by name, nil if untracked.
	GetChannel(name string) (*Channel, error)
	// UpsertChannelFromChain creates or reconciles a channel row from a
	// chain view. Participants and keys are written once; balances and
	// closure flags are refreshed.
	UpsertChannelFromChain(name string, view *ChainView) (*Channel, error)

	// LatestSpent returns the current authorized spend, zero if no receipt
	// has been admitted.
	LatestSpent(channelID int64) (*big.Int, error)
	// LatestEntry returns the highest admitted receipt, nil if none.
	LatestEntry(channelID int64) (*SignedStateEntry, error)
	// Admit atomically validates the candidate spend against the channel
	// budget and inserts the ledger entry. Rejections are *AdmitError.
	// The commit is the point of no return for the charge.
	Admit(channel *Channel, spent *big.Int, signature []byte, cost *big.Int) (*SignedStateEntry, error)

	// MarkSoftClosed stops further admissions on the channel.
	MarkSoftClosed(name string) error
	// MarkSettled makes the channel terminal.
	MarkSettled(name string) error
	// TouchChannelActive bumps the channel's last-active time.
	TouchChannelActive(name string) error

	// NonSettledChannels lists channels the close machine still watches.
	NonSettledChannels(limit int) ([]*Channel, error)
	// StaleChannels lists non-settled channels inactive past the threshold.
	StaleChannels(threshold time.Duration, limit int) ([]*Channel, error)

	// AcquireLock takes the named app lock for ttl, so only one instance
	// runs the close machine at a time. Returns false when held elsewhere.
	AcquireLock(name, instanceID string, ttl time.Duration) (bool, error)
	// ReleaseLock drops the named app lock if held by this instance.
	ReleaseLock(name, instanceID string) error

	Close() error
}
