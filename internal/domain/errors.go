package domain

import "errors"

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrExpired        = errors.New("expired")
	ErrUpstream       = errors.New("upstream failure")
	ErrCancelled      = errors.New("cancelled")
)
