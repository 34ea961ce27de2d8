package sync

import "errors"

var (
	// ErrScopeRequired is returned for reads and writes attempted without an
	// active couple scope.
	ErrScopeRequired = errors.New("no active couple scope")
	// ErrRemoteRead wraps snapshot-load failures.
	ErrRemoteRead = errors.New("remote read failed")
	// ErrRemoteWrite wraps mutation-submit failures.
	ErrRemoteWrite = errors.New("remote write failed")
	// ErrSubscription is recorded when the change feed drops and cannot be
	// re-established within the reconnect budget.
	ErrSubscription = errors.New("change feed subscription failed")
)
