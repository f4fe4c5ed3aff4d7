package kvstore

import "errors"

var (
	ErrNotFound      = errors.New("kvstore: key not found")
	ErrOutOfSpace    = errors.New("kvstore: out of space")
	ErrReadOnly      = errors.New("kvstore: store is read-only")
	ErrDirectoryFull = errors.New("kvstore: directory full")
	ErrInvalidState  = errors.New("kvstore: invalid state")
	ErrKeyTooLong    = errors.New("kvstore: key exceeds 32 bytes")
)
