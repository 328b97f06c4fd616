package deed

import "errors"

var (
	// ErrDeedNotFound is returned for asset ids that were never minted.
	ErrDeedNotFound = errors.New("deed: not found")
	// ErrNotOwner is returned when the stated owner does not hold the deed.
	ErrNotOwner = errors.New("deed: from address is not the owner")
	// ErrNotAuthorized is returned when the caller may not move the deed.
	ErrNotAuthorized = errors.New("deed: caller not authorized")
	// ErrInvalidRecipient rejects transfers and mints to the zero address.
	ErrInvalidRecipient = errors.New("deed: invalid recipient")
	// ErrInvalidTokenURI rejects empty or oversized metadata references.
	ErrInvalidTokenURI = errors.New("deed: invalid token uri")
)
