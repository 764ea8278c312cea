package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nearpay/vectigal/internal/models"
)

const (
	// closeMachineLock names the app lock that keeps the sweep to one
	// instance when several share a ledger.
	closeMachineLock = "close-machine"

	sweepBatchSize = 64
)

// RunCloseMachine polls chain state for every non-settled channel, detects
// force-close initiations, and claims funds before a dispute window runs
// out. Single goroutine; ends when ctx is cancelled.
func (p *Provider) RunCloseMachine(ctx context.Context) {
	instanceID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	ticker := time.NewTicker(p.config.PollInterval())
	defer ticker.Stop()

	p.logger.Info("Close machine started, instance ", instanceID)
	for {
		select {
		case <-ctx.Done():
			if err := p.repo.ReleaseLock(closeMachineLock, instanceID); err != nil {
				p.logger.Error("Failed to release close machine lock: ", err)
			}
			p.logger.Info("Close machine shutting down")
			return
		case <-ticker.C:
			held, err := p.repo.AcquireLock(closeMachineLock, instanceID, 2*p.config.PollInterval())
			if err != nil {
				p.logger.Error("Failed to acquire close machine lock: ", err)
				continue
			}
			if !held {
				continue
			}
			p.sweep(ctx)
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// sweep reconciles every non-settled channel with chain and advances its
// close state, then closes out channels that have gone inactive.
func (p *Provider) sweep(ctx context.Context) {
	channels, err := p.repo.NonSettledChannels(sweepBatchSize)
	if err != nil {
		p.logger.Error("Failed to list channels for sweep: ", err)
		return
	}
	for _, channel := range channels {
		if err := p.sweepChannel(ctx, channel); err != nil {
			p.logger.Error("Sweep failed for channel ", channel.Name, ": ", err)
		}
	}

	stale, err := p.repo.StaleChannels(p.config.StaleThreshold(), sweepBatchSize)
	if err != nil {
		p.logger.Error("Failed to list stale channels: ", err)
		return
	}
	for _, channel := range stale {
		if err := p.closeOutStale(ctx, channel); err != nil {
			p.logger.Error("Close-out failed for channel ", channel.Name, ": ", err)
		}
	}
}

func (p *Provider) sweepChannel(ctx context.Context, channel *models.Channel) error {
	view, err := p.oracle.ChannelView(ctx, channel.Name)
	if err != nil {
		return err
	}
	if view == nil {
		return fmt.Errorf("channel disappeared from contract")
	}

	if view.Closed {
		// The contract has reset the channel; nothing left to claim.
		if err := p.repo.MarkSettled(channel.Name); err != nil {
			return err
		}
		p.alerts.SendAlert(&models.Alert{
			Channel: channel.Name,
			Event:   "settled",
			Detail:  "channel settled on chain",
		})
		return nil
	}

	forceCloseDetected := view.ForceCloseStarted != nil && channel.ForceCloseStarted == nil
	refreshed, err := p.repo.UpsertChannelFromChain(channel.Name, view)
	if err != nil {
		return err
	}
	if forceCloseDetected {
		p.alerts.SendAlert(&models.Alert{
			Channel: channel.Name,
			Event:   "force_close_started",
			Detail:  fmt.Sprintf("sender started force close at %d", *view.ForceCloseStarted),
		})
	}

	if refreshed.ForceCloseStarted != nil {
		return p.sweepForceClosing(ctx, refreshed, time.Now())
	}
	return nil
}

// closeOutStale handles a channel the stale query surfaced: inactive
// channels with unclaimed spend get closed out so funds never sit at the
// mercy of a sender's force close.
func (p *Provider) closeOutStale(ctx context.Context, channel *models.Channel) error {
	// Force-closing and soft-closed channels are the settle path's problem.
	if channel.ForceCloseStarted != nil || channel.SoftClosed {
		return nil
	}
	entry, err := p.repo.LatestEntry(channel.ID)
	if err != nil {
		return err
	}
	if entry != nil && entry.Spent().Cmp(channel.Withdrawn()) > 0 {
		p.logger.Info("Channel ", channel.Name, " inactive, closing out")
		_, err := p.CloseChannel(ctx, channel.Name)
		return err
	}
	// Nothing to claim; push the channel out of the stale window so the
	// sweep does not revisit it every tick.
	return p.repo.TouchChannelActive(channel.Name)
}

// sweepForceClosing claims the best receipt before the dispute window
// elapses, leaving the configured safety margin for the transaction to
// land.
func (p *Provider) sweepForceClosing(ctx context.Context, channel *models.Channel, now time.Time) error {
	started := time.Unix(*channel.ForceCloseStarted, 0)
	deadline := started.Add(p.config.DisputeWindow())

	if now.After(deadline) {
		// Window elapsed; whatever was not claimed is lost.
		if err := p.repo.MarkSettled(channel.Name); err != nil {
			return err
		}
		p.alerts.SendAlert(&models.Alert{
			Channel: channel.Name,
			Event:   "dispute_window_elapsed",
			Detail:  "force close window elapsed, channel settled",
		})
		return nil
	}

	if now.Before(deadline.Add(-p.config.SafetyMargin())) {
		// Still admitting; no urgency yet.
		return nil
	}

	if err := p.withdrawOutstanding(ctx, channel); err != nil {
		p.alerts.SendAlert(&models.Alert{
			Channel: channel.Name,
			Event:   "settlement_failed",
			Detail:  err.Error(),
		})
		return err
	}
	if err := p.repo.MarkSettled(channel.Name); err != nil {
		return err
	}
	p.alerts.SendAlert(&models.Alert{
		Channel: channel.Name,
		Event:   "settled",
		Detail:  "best receipt submitted before dispute window",
	})
	return nil
}
