// Package delivery hands notifications to whatever presents them to the user.
//
// Drivers accept a payload and a target time, keep it until then and fire it.
// Every fire is published as eventbus.TypeDeliveryFired with a Fired payload.
package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("delivery stopped")
	ErrNoContent = errors.New("payload has no title or body")
)

// Payload is opaque to the engine apart from Category.
type Payload struct {
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

// Delivery is the collaborator the scheduler submits to.
//
// Cancel of an unknown or already fired id is a no-op.
type Delivery interface {
	Submit(ctx context.Context, at time.Time, p Payload) (deliveryID string, err error)
	Cancel(ctx context.Context, deliveryID string) error
}

// Fired is the payload of eventbus.TypeDeliveryFired and TypeDeliveryFailed.
type Fired struct {
	DeliveryID string    `json:"delivery_id"`
	Category   string    `json:"category"`
	Due        time.Time `json:"due"`
	At         time.Time `json:"at"`
	Driver     string    `json:"driver"`
	Error      string    `json:"error,omitempty"`
}

// Feedback receives user interactions observed by a driver.
type Feedback interface {
	RecordOpened(ctx context.Context, category string, sentAt, openedAt time.Time) error
	RecordDismissed(ctx context.Context, category string, sentAt, dismissedAt time.Time) error
	RecordAction(ctx context.Context, category string) error
}
