package ingest

import "errors"

var (
	// ErrResetNotAllowed is returned by reset operations when AllowReset is off.
	ErrResetNotAllowed = errors.New("checksum reset not allowed (set allow_reset)")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrNilHandle       = errors.New("nil handle")
	ErrBadStationID    = errors.New("invalid station id")
)
