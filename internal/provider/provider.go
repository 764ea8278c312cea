// Package provider carries the business logic of the payment gate: the
// admission pipeline over the ledger, observable channel state, and the
// close state machine.
package provider

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/nearpay/vectigal/internal/config"
	"github.com/nearpay/vectigal/internal/metrics"
	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/receipt"
	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/validation"
)

// Provider owns the ledger and is the only writer of channel state. The
// HTTP layer borrows it through models.ProviderI.
type Provider struct {
	logger *logger.Logger
	config *config.Config

	repo    models.Repository
	oracle  models.ChainOracle
	settler models.Settler
	alerts  models.AlertService
	metrics metrics.Recorder

	signingKey ed25519.PrivateKey
}

func NewProvider(
	repo models.Repository,
	oracle models.ChainOracle,
	settler models.Settler,
	alerts models.AlertService,
	recorder metrics.Recorder,
	signingKey ed25519.PrivateKey,
	logger *logger.Logger,
	config *config.Config,
) *Provider {
	return &Provider{
		repo:       repo,
		oracle:     oracle,
		settler:    settler,
		alerts:     alerts,
		metrics:    recorder,
		signingKey: signingKey,
		logger:     logger,
		config:     config,
	}
}

func (p *Provider) AccountInfo() *models.AccountInfoPublic {
	return &models.AccountInfoPublic{
		AccountID: p.config.ReceiverAccount,
		Network:   p.config.Network,
		PublicKey: validation.FormatPublicKey(p.signingKey.Public().(ed25519.PublicKey)),
	}
}

// loadChannel returns the tracked channel, pulling it from chain the first
// time a receipt names it.
func (p *Provider) loadChannel(ctx context.Context, name string) (*models.Channel, error) {
	channel, err := p.repo.GetChannel(name)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	if channel != nil {
		return channel, nil
	}

	view, err := p.oracle.ChannelView(ctx, name)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	if view == nil {
		return nil, models.NewAdmitError(models.ErrUnknownChannel, "channel %s is not known to the contract", name)
	}
	if view.Closed {
		return nil, models.NewAdmitError(models.ErrChannelClosed, "channel %s is settled on chain", name)
	}
	channel, err = p.repo.UpsertChannelFromChain(name, view)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	return channel, nil
}

// refreshChannel reconciles the row with a fresh chain read.
func (p *Provider) refreshChannel(ctx context.Context, name string) (*models.Channel, error) {
	view, err := p.oracle.ForceRefresh(ctx, name)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	if view == nil {
		return nil, models.NewAdmitError(models.ErrUnknownChannel, "channel %s is not known to the contract", name)
	}
	channel, err := p.repo.UpsertChannelFromChain(name, view)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	return channel, nil
}

func (p *Provider) ChannelState(ctx context.Context, name string) (*models.ChannelState, error) {
	channel, err := p.loadChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	spent, err := p.repo.LatestSpent(channel.ID)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	return &models.ChannelState{
		ChannelName:       channel.Name,
		Sender:            channel.Sender,
		Receiver:          channel.Receiver,
		AddedBalance:      channel.Added().String(),
		WithdrawnBalance:  channel.Withdrawn().String(),
		CurrentSpent:      spent.String(),
		SoftClosed:        channel.SoftClosed,
		ForceCloseStarted: channel.ForceCloseStarted,
	}, nil
}

// payloadDigest identifies an offending receipt in logs without exposing
// the signature bytes on their own.
func payloadDigest(ss *receipt.SignedState) string {
	raw, err := receipt.EncodeSigned(*ss)
	if err != nil {
		return "unencodable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// AdmitReceipt runs the admission pipeline: load channel, lazily resync
// from chain when the candidate outruns the cached deposit, then enter the
// ledger's critical section. The chain read happens strictly before the
// ledger lock is taken.
func (p *Provider) AdmitReceipt(ctx context.Context, ss *receipt.SignedState, cost *big.Int) error {
	channel, err := p.loadChannel(ctx, ss.ChannelName)
	if err != nil {
		return err
	}

	// Unhappy path: the sender may have topped up after our last refresh.
	budget := new(big.Int).Sub(channel.Added(), channel.Withdrawn())
	if ss.SpentBalance.Cmp(budget) > 0 {
		channel, err = p.refreshChannel(ctx, ss.ChannelName)
		if err != nil {
			return err
		}
	}

	_, err = p.repo.Admit(channel, ss.SpentBalance, ss.Signature, cost)
	if err != nil {
		kind := models.KindOf(err)
		p.metrics.IncCounter("admit", map[string]string{"outcome": kind.String()})
		switch kind {
		case models.ErrSignatureInvalid, models.ErrNonMonotonic:
			p.logger.Warn("Rejected receipt on channel ", ss.ChannelName,
				": ", kind.String(), " payload digest ", payloadDigest(ss))
		}
		return err
	}

	p.metrics.IncCounter("admit", map[string]string{"outcome": "admitted"})
	p.logger.Debug("Admitted receipt on channel ", ss.ChannelName, " spent ", ss.SpentBalance)
	return nil
}

// ValidateReceipt checks signature and monotonicity against the current
// ledger without admitting anything.
func (p *Provider) ValidateReceipt(ctx context.Context, ss *receipt.SignedState) error {
	channel, err := p.loadChannel(ctx, ss.ChannelName)
	if err != nil {
		return err
	}
	if err := receipt.Verify(ss, channel.SenderPK); err != nil {
		return &models.AdmitError{Kind: models.ErrSignatureInvalid, Err: err}
	}
	currentMax, err := p.repo.LatestSpent(channel.ID)
	if err != nil {
		return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	// Equality is stale too: a receipt must always outbid the ledger.
	if ss.SpentBalance.Cmp(currentMax) <= 0 {
		return &models.AdmitError{
			Kind:       models.ErrNonMonotonic,
			Message:    fmt.Sprintf("spent balance %s does not exceed current maximum", ss.SpentBalance),
			CurrentMax: currentMax,
		}
	}
	return nil
}

// CloseChannel withdraws the outstanding spend, stops further admissions,
// and returns the receiver-signed zero-state voucher the sender needs to
// reclaim the remainder on chain.
func (p *Provider) CloseChannel(ctx context.Context, name string) (*receipt.SignedState, error) {
	channel, err := p.loadChannel(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := p.withdrawOutstanding(ctx, channel); err != nil {
		return nil, err
	}

	if err := p.repo.MarkSoftClosed(name); err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}

	voucher, err := receipt.Sign(receipt.State{
		ChannelName:  name,
		SpentBalance: new(big.Int),
	}, p.signingKey)
	if err != nil {
		return nil, &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}

	p.alerts.SendAlert(&models.Alert{
		Channel: name,
		Event:   "soft_close",
		Detail:  "channel soft closed, close voucher issued",
	})
	return voucher, nil
}

// withdrawOutstanding submits the highest receipt when it exceeds the
// withdrawn balance.
func (p *Provider) withdrawOutstanding(ctx context.Context, channel *models.Channel) error {
	entry, err := p.repo.LatestEntry(channel.ID)
	if err != nil {
		return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	if entry == nil || entry.Spent().Cmp(channel.Withdrawn()) <= 0 {
		return nil
	}

	sig, err := entry.SignatureBytes()
	if err != nil {
		return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	if err := p.settler.Withdraw(ctx, channel.Name, entry.Spent(), sig); err != nil {
		p.metrics.IncCounter("settle", map[string]string{"outcome": "failed"})
		return &models.AdmitError{Kind: models.ErrLedgerUnavailable, Err: err}
	}
	p.metrics.IncCounter("settle", map[string]string{"outcome": "submitted"})
	p.logger.Info("Withdrew ", entry.Spent(), " from channel ", channel.Name)
	return nil
}
