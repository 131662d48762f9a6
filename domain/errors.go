package domain

import "fmt"

// CacheError wraps any transport or serialization failure in the caching
// layer so callers never deal with redis specifics.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ConflictError signals that a resolution strategy could not produce a
// merged value. The resolver records the conflict as unresolved and keeps
// the local value.
type ConflictError struct {
	FieldPath string
	Strategy  string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolvable conflict on %q (strategy %s): %s", e.FieldPath, e.Strategy, e.Reason)
}

// MessageError marks malformed or semantically invalid protocol input.
// It is never retried; the handler converts it into a correlated error
// message instead.
type MessageError struct {
	MessageID string
	Reason    string
}

func (e *MessageError) Error() string {
	if e.MessageID == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message %s: %s", e.MessageID, e.Reason)
}

// SyncError is the catch-all for failures in the sync pipeline that are
// none of the more specific kinds.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Op, e.Err) }

func (e *SyncError) Unwrap() error { return e.Err }
