package services

import "errors"

var (
	// ErrAlreadyResolved is the race-loss result of Complete: the row
	// left waiting between lookup and transition.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrScannerBusy rejects opening a request for a scanner that
	// already has a waiting request for a different guest.
	ErrScannerBusy = errors.New("scanner already has a waiting request")
)
