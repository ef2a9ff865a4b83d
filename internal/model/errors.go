package model

import "errors"

var (
	// ErrNotFound is returned when a customer identifier matches no row.
	ErrNotFound = errors.New("customer not found")

	// ErrUpstream is returned when the backing store or network is
	// unreachable. Cache layers treat it as "keep serving stale".
	ErrUpstream = errors.New("upstream unavailable")
)
