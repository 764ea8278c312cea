package alerter

import (
	"runtime/debug"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/pkg/logger"
)

// Alerter fans channel lifecycle events out to the configured operator
// channels. A missing channel is simply skipped, so a bare deployment
// degrades to log-only.
type Alerter struct {
	logger *logger.Logger

	TelegramAlerter *TelegramAlerter
	EmailAlerter    *EmailAlerter
}

func NewAlerter(logger *logger.Logger, telegram *TelegramAlerter, email *EmailAlerter) *Alerter {
	return &Alerter{logger: logger, TelegramAlerter: telegram, EmailAlerter: email}
}

// safeCall runs a function with panic recovery so a failing transport can
// never take down the close machine.
func (a *Alerter) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Alert transport panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (a *Alerter) SendAlert(alert *models.Alert) {
	a.logger.Info("Channel event: ", alert.String())

	if a.TelegramAlerter != nil {
		a.safeCall(func() { a.TelegramAlerter.Send(alert.String()) }, "telegramAlert")
	}
	if a.EmailAlerter != nil {
		a.safeCall(func() { a.EmailAlerter.Send(alert.String()) }, "emailAlert")
	}
}
