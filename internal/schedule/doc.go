// Package schedule turns (category, priority, payload) requests into delivery
// hand-offs at a good time.
//
// A priority maps to exactly one Strategy. The strategy is resolved against the
// behavior analyzer, the result is moved out of quiet hours, and the payload
// is submitted to the delivery collaborator. Successful submissions are kept as
// Items until they fire or are cancelled.
package schedule
