package behavior

import "errors"

var (
	// ErrInvalidCategory is returned for malformed category keys.
	ErrInvalidCategory = errors.New("invalid category key")
	// ErrUnknownCategory is returned for well-formed keys missing from the registry.
	ErrUnknownCategory = errors.New("unknown category")
)
