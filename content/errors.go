package content

import "errors"

var (
	ErrNetwork      = errors.New("network error")
	ErrDecode       = errors.New("decode error")
	ErrIncompatible = errors.New("incompatible app version")
	ErrNotFound     = errors.New("collection not found in any source")

	ErrOriginNotFound   = errors.New("origin object not found")
	ErrBundleMiss       = errors.New("collection not in bundle")
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
	ErrInvalidKey       = errors.New("invalid collection key")

	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrSyncLeaseConflict = errors.New("sync lease conflict")
)
