package models

import "fmt"

// Alert is an operator-facing channel lifecycle event.
type Alert struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Detail  string `json:"detail"`
}

func (a *Alert) String() string {
	return fmt.Sprintf("[%s] channel %s: %s", a.Event, a.Channel, a.Detail)
}

// AlertService fans lifecycle events out to the configured operator
// channels. Implementations must not block the close machine.
type AlertService interface {
	SendAlert(alert *Alert)
}
