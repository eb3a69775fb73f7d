package hmac_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/slb/common/hmac"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	key, err := hmac.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	now := time.Now().UTC()
	sig, err := hmac.SignReview(key, "req-1", "approve", now)
	if err != nil {
		t.Fatalf("SignReview: %v", err)
	}

	if err := hmac.VerifyReview(key, "req-1", "approve", now, sig, now); err != nil {
		t.Errorf("VerifyReview: %v", err)
	}
}

func TestVerify_WrongDecision(t *testing.T) {
	key, _ := hmac.NewKey()
	now := time.Now().UTC()
	sig, _ := hmac.SignReview(key, "req-1", "approve", now)

	err := hmac.VerifyReview(key, "req-1", "reject", now, sig, now)
	if !errors.Is(err, hmac.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	key1, _ := hmac.NewKey()
	key2, _ := hmac.NewKey()
	now := time.Now().UTC()
	sig, _ := hmac.SignReview(key1, "req-1", "approve", now)

	err := hmac.VerifyReview(key2, "req-1", "approve", now, sig, now)
	if !errors.Is(err, hmac.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	key, _ := hmac.NewKey()
	signed := time.Now().UTC().Add(-6 * time.Minute)
	sig, _ := hmac.SignReview(key, "req-1", "approve", signed)

	err := hmac.VerifyReview(key, "req-1", "approve", signed, sig, time.Now().UTC())
	if !errors.Is(err, hmac.ErrSignatureStale) {
		t.Errorf("expected ErrSignatureStale, got %v", err)
	}
}

func TestVerify_FutureTimestamp(t *testing.T) {
	key, _ := hmac.NewKey()
	now := time.Now().UTC()
	signed := now.Add(6 * time.Minute)
	sig, _ := hmac.SignReview(key, "req-1", "approve", signed)

	err := hmac.VerifyReview(key, "req-1", "approve", signed, sig, now)
	if !errors.Is(err, hmac.ErrSignatureStale) {
		t.Errorf("expected ErrSignatureStale, got %v", err)
	}
}

func TestVerify_InsideWindow(t *testing.T) {
	key, _ := hmac.NewKey()
	now := time.Now().UTC()
	signed := now.Add(-4 * time.Minute)
	sig, _ := hmac.SignReview(key, "req-1", "approve", signed)

	if err := hmac.VerifyReview(key, "req-1", "approve", signed, sig, now); err != nil {
		t.Errorf("VerifyReview inside window: %v", err)
	}
}

func TestSign_BadKey(t *testing.T) {
	_, err := hmac.SignReview("not-hex", "req-1", "approve", time.Now())
	if !errors.Is(err, hmac.ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}
