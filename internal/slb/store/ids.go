package store

import "github.com/google/uuid"

// ID prefixes make identifiers self-describing in logs and CLI output.
func NewSessionID() string { return "sess-" + uuid.NewString() }
func NewRequestID() string { return "req-" + uuid.NewString() }
func NewReviewID() string  { return "rev-" + uuid.NewString() }
func NewChangeID() string  { return "chg-" + uuid.NewString() }
