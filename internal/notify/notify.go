// Package notify carries the side effect run for a delivered parcel.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/parcelhook/internal/logging"
)

// Delivery is what the processor hands to a Notifier for a matched event
type Delivery struct {
	StorageID    int64     `json:"storage_id"`
	EventID      string    `json:"event_id"`
	TrackingCode string    `json:"tracking_code"`
	Carrier      string    `json:"carrier"`
	ShipmentID   string    `json:"shipment_id"`
	DeliveredAt  time.Time `json:"delivered_at"`
	Message      string    `json:"message"`
	PublicURL    string    `json:"public_url,omitempty"`
}

// LocalDate is the delivery day as yyyyMMdd in loc
func (d Delivery) LocalDate(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return d.DeliveredAt.In(loc).Format("20060102")
}

// Notifier applies the side effect. It may run more than once for the same
// delivery when two processor invocations race, so implementations should
// tolerate repeats.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, d Delivery) error

func (f Func) Notify(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Log writes the delivery to the structured log
type Log struct {
	Logger   *logging.Logger
	Location *time.Location
}

func (l Log) Notify(ctx context.Context, d Delivery) error {
	l.Logger.WithContext(ctx).
		WithEvent(d.EventID).
		WithStorage(d.StorageID).
		WithFields(map[string]any{
			"tracking_code": d.TrackingCode,
			"carrier":       d.Carrier,
			"shipment_id":   d.ShipmentID,
			"delivered_on":  d.LocalDate(l.Location),
		}).
		Info(d.Message)
	return nil
}

// Multi runs every notifier in order and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, d Delivery) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
