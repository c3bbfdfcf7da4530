package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrDeliveryRejected = errors.New("delivery rejected")
	ErrItemNotFound     = errors.New("scheduled item not found")
)

// DeliveryError is returned when the delivery collaborator refuses a
// submission. Such items are not retried.
type DeliveryError struct {
	Category string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery rejected (category=%s): %v", e.Category, e.Err)
}

// Unwrap exposes both ErrDeliveryRejected and the collaborator's error.
func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryRejected, e.Err} }
