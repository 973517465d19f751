package blockstore

import "errors"

// --- Error Definitions ---

var (
	ErrSpaceExhausted    = errors.New("block space exhausted, no more blocks can be allocated")
	ErrBlockOutOfRange   = errors.New("block id is outside the allocated range of the space")
	ErrBlockSizeMismatch = errors.New("block data size does not match the space block size")
	ErrInvalidBlockSize  = errors.New("block size must be positive")
	ErrIO                = errors.New("i/o error")
	ErrChecksumMismatch  = errors.New("header checksum mismatch, data corruption suspected")
	ErrInvalidHeader     = errors.New("invalid block space file header")
	ErrSpaceClosed       = errors.New("block space is closed")
	ErrFileExists        = errors.New("block space file already exists")
	ErrFileNotFound      = errors.New("block space file not found")
)
