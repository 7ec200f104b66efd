package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound                = errors.New("page not found in buffer pool")
	ErrBufferPoolFull              = errors.New("buffer pool is full and no pages can be evicted")
	ErrInvalidFrameID              = errors.New("frame id out of range for replacer")
	ErrIO                          = errors.New("i/o error")
	ErrChecksumMismatch            = errors.New("file header checksum mismatch, data corruption suspected")
	ErrInvalidPageData             = errors.New("invalid page data")
	ErrDBFileExists                = errors.New("database file already exists")
	ErrDiskClosed                  = errors.New("disk manager is closed")
	ErrMaxKeysOrChildrenExceeded   = errors.New("maximum number of keys or children per node exceeded for page size")
	ErrBTreeNotInitializedProperly = errors.New("btree not initialized properly (e.g. missing buffer pool or header page)")
	ErrTreeCorrupted               = errors.New("b+tree structure is corrupted")
	// --- Iterator Specific Errors ---
	ErrIteratorInvalid = errors.New("iterator is invalid or exhausted")
)
