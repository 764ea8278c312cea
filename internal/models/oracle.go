package models

import (
	"context"
	"crypto/ed25519"
	"math/big"
)

// ChainView is the read-only snapshot of one channel as the contract
// reports it.
type ChainView struct {
	Sender     string
	SenderPK   ed25519.PublicKey
	Receiver   string
	ReceiverPK ed25519.PublicKey

	AddedBalance     *big.Int
	WithdrawnBalance *big.Int
	// ForceCloseStarted is the unix time the sender started a force close,
	// nil otherwise.
	ForceCloseStarted *int64
	// Closed is set when the contract has reset the channel to its zero
	// value after settlement.
	Closed bool
}

// ChainOracle is the pull-based view of on-chain channel facts. Reads are
// served from a TTL cache; admission waits on a chain round trip only when
// the channel is not cached yet or a refresh is forced.
type ChainOracle interface {
	// ChannelView returns the cached view, refreshing it when stale.
	// Returns nil when the contract does not know the channel.
	ChannelView(ctx context.Context, name string) (*ChainView, error)
	// ForceRefresh bypasses the cache, used when a candidate spend exceeds
	// the cached deposit.
	ForceRefresh(ctx context.Context, name string) (*ChainView, error)
}

// Settler submits receiver-side transactions to the contract.
type Settler interface {
	// Withdraw submits the given receipt to claim its spent balance.
	Withdraw(ctx context.Context, channelName string, spent *big.Int, signature []byte) error
}
