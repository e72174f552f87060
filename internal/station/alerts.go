package station

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/PackCam/internal/events"
)

// ErrAlertNotFound is returned when dismissing an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// maxAlerts bounds the unacknowledged list; the oldest go first.
const maxAlerts = 50

// Alert is a blocking notice that stays until the operator dismisses it.
type Alert struct {
	ID      string      `json:"id"`
	Kind    events.Kind `json:"kind"`
	Message string      `json:"message"`
	OrderID string      `json:"orderId,omitempty"`
	TaskID  string      `json:"taskId,omitempty"`
	At      time.Time   `json:"at"`
}

// Alerts returns the unacknowledged alerts, oldest first.
func (c *Controller) Alerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// DismissAlert acknowledges one alert.
func (c *Controller) DismissAlert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.alerts {
		if a.ID == id {
			c.alerts = append(c.alerts[:i], c.alerts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
}

// raiseLocked records ev as an alert. c.mu must be held.
func (c *Controller) raiseLocked(ev events.Event) {
	c.alerts = append(c.alerts, Alert{
		ID:      uuid.NewString(),
		Kind:    ev.Kind,
		Message: ev.Message,
		OrderID: ev.OrderID,
		TaskID:  ev.TaskID,
		At:      ev.At,
	})
	if n := len(c.alerts); n > maxAlerts {
		c.alerts = append([]Alert(nil), c.alerts[n-maxAlerts:]...)
	}
}
