package v2g

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies lower-layer failures so callers can tell them apart.
type Kind int

const (
	KindLocal Kind = iota
	KindTimeout
	KindRejected
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected-by-peer"
	case KindMalformed:
		return "malformed-response"
	default:
		return "local-fault"
	}
}

// Error is the tagged error returned by association, discovery, transport and
// message exchanges.
type Error struct {
	Op   string
	Kind Kind
	// Code is the peer's response code when Kind is KindRejected.
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout tags err as an expired wait.
func Timeout(op string, err error) error {
	return &Error{Op: op, Kind: KindTimeout, Err: err}
}

// Rejected tags a negative response code from the peer.
func Rejected(op, code string) error {
	return &Error{Op: op, Kind: KindRejected, Code: code}
}

// Malformed tags an undecodable or unexpected response.
func Malformed(op string, err error) error {
	return &Error{Op: op, Kind: KindMalformed, Err: err}
}

// Local tags a failure on this side of the link.
func Local(op string, err error) error {
	return &Error{Op: op, Kind: KindLocal, Err: err}
}

// Classify tags a raw I/O error. Already tagged errors pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	if isTimeout(err) {
		return Timeout(op, err)
	}
	return Local(op, err)
}

// KindOf returns the kind carried by err, falling back to KindTimeout for bare
// deadline errors and KindLocal otherwise.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindLocal
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return err != nil && KindOf(err) == KindTimeout
}

// IsRejected reports whether err is a negative response from the peer.
func IsRejected(err error) bool {
	return err != nil && KindOf(err) == KindRejected
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
