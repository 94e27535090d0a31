package credstore

import "errors"

// Sentinel errors for store and bundle operations.
var (
	ErrNotFound   = errors.New("credentials not found")
	ErrLoadFailed = errors.New("load failed")
	ErrSaveFailed = errors.New("save failed")
	ErrCorrupt    = errors.New("credential bundle corrupt")
	ErrNoIdentity = errors.New("credential bundle is encrypted but no identity is configured")
)
