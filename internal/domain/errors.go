package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrRevisionOutOfOrder signals an attempt to capture a revision older than the listing's latest.
	ErrRevisionOutOfOrder = errors.New("revision captured before the latest revision of the listing")

	// ErrConfiguration marks problems that abort a whole run before any unit starts.
	ErrConfiguration = errors.New("configuration error")

	ErrUnknownProvider     = errors.New("unknown provider")
	ErrInvalidSearchURL    = errors.New("invalid search url")
	ErrSearchExists        = errors.New("search already registered")
	ErrSearchQuotaExceeded = errors.New("search quota exceeded")
	ErrNoResults           = errors.New("search returned no results")
	ErrTooManyResults      = errors.New("search returned too many results")
)
