package models

import (
	"context"
	"math/big"

	"github.com/nearpay/vectigal/internal/receipt"
)

// AccountInfoPublic is the provider identity exposed on /info. The signing
// key never leaves the service.
type AccountInfoPublic struct {
	AccountID string `json:"account_id"`
	Network   string `json:"network"`
	PublicKey string `json:"public_key"`
}

// ChannelState is the observable snapshot served on /pc/state. Balances are
// decimal strings so 128-bit values survive JSON.
type ChannelState struct {
	ChannelName       string `json:"channel_name"`
	Sender            string `json:"sender"`
	Receiver          string `json:"receiver"`
	AddedBalance      string `json:"added_balance"`
	WithdrawnBalance  string `json:"withdrawn_balance"`
	CurrentSpent      string `json:"current_spent"`
	SoftClosed        bool   `json:"soft_closed"`
	ForceCloseStarted *int64 `json:"force_close_started"`
}

// APIServer is the HTTP front of the service.
type APIServer interface {
	Start()
	Shutdown() error
}

// ProviderI is the business-logic surface the HTTP layer drives.
type ProviderI interface {
	// AccountInfo returns the provider identity.
	AccountInfo() *AccountInfoPublic

	// ChannelState returns the current snapshot of a channel, loading it
	// from chain when the ledger does not track it yet.
	ChannelState(ctx context.Context, name string) (*ChannelState, error)

	// AdmitReceipt runs the full admission pipeline for a receipt that must
	// cover at least cost. Rejections are *AdmitError.
	AdmitReceipt(ctx context.Context, ss *receipt.SignedState, cost *big.Int) error

	// ValidateReceipt checks signature and monotonicity without admitting
	// anything; used by /pc/validate.
	ValidateReceipt(ctx context.Context, ss *receipt.SignedState) error

	// CloseChannel withdraws the outstanding spend, marks the channel soft
	// closed, and returns the receiver-signed zero-state close voucher.
	CloseChannel(ctx context.Context, name string) (*receipt.SignedState, error)
}
