package models

import (
	"errors"
	"fmt"
)

// Parse error kinds. A *ParseError always matches exactly one of them with
// errors.Is.
var (
	ErrMissingTradeID   = errors.New("missing trade id")
	ErrInvalidTradeID   = errors.New("invalid trade id")
	ErrMissingSide      = errors.New("missing side")
	ErrInvalidSide      = errors.New("invalid side")
	ErrMissingPrice     = errors.New("missing price")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// ParseError reports why a single CSV row could not become a Trade.
type ParseError struct {
	Kind error
	// Raw holds the offending column text for Invalid* kinds.
	Raw string
	// Err is the numeric conversion failure, if any.
	Err error
}

func (e *ParseError) Error() string {
	msg := e.Kind.Error()
	if e.Raw != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Raw)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Missing(kind error) *ParseError {
	return &ParseError{Kind: kind}
}

func Invalid(kind error, raw string, err error) *ParseError {
	return &ParseError{Kind: kind, Raw: raw, Err: err}
}
