// Package hmac provides HMAC-SHA256 signing for review decisions.
//
// Every session holds a secret key issued at session start.  A review is
// signed over (request_id, decision, timestamp) so that an approval recorded
// in the store can later be re-verified against the reviewer's key at the
// execution gate.  The timestamp is bound into the signature and must fall
// inside a replay window at verification time.
package hmac

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = 32
	// ReplayWindow bounds how far a signature timestamp may drift from
	// server time in either direction.
	ReplayWindow = 5 * time.Minute
)

var (
	ErrInvalidKeySize   = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrSignatureInvalid = errors.New("signature does not verify")
	ErrSignatureStale   = errors.New("signature timestamp outside replay window")
)

// NewKey generates a fresh random session key, hex-encoded.
func NewKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// SignReview computes the hex-encoded HMAC-SHA256 signature over
// requestID || decision || RFC3339(ts) using the hex-encoded session key.
func SignReview(hexKey, requestID, decision string, ts time.Time) (string, error) {
	key, err := decodeKey(hexKey)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signingInput(requestID, decision, ts))
	zero(key)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyReview recomputes the signature and checks it in constant time.
// It also enforces the replay window against now.  The caller passes the
// timestamp exactly as stored with the review.
func VerifyReview(hexKey, requestID, decision string, ts time.Time, signature string, now time.Time) error {
	if d := now.Sub(ts); d > ReplayWindow || d < -ReplayWindow {
		return ErrSignatureStale
	}
	key, err := decodeKey(hexKey)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signingInput(requestID, decision, ts))
	zero(key)

	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrSignatureInvalid
	}
	return nil
}

func signingInput(requestID, decision string, ts time.Time) []byte {
	return []byte(requestID + decision + ts.UTC().Format(time.RFC3339))
}

func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// zero clears key material after use.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
