package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestAllowEnforcesLimitPerKey(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := New(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !limiter.Allow("alice") || !limiter.Allow("alice") {
		t.Fatalf("requests within the limit must pass")
	}
	if limiter.Allow("alice") {
		t.Fatalf("request over the limit must be blocked")
	}
	if !limiter.Allow("bob") {
		t.Fatalf("keys are limited independently")
	}
}

func TestAllowFailsClosedOnRedisOutage(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := New(redis.Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	redis.Close()

	if limiter.Allow("alice") {
		t.Fatalf("limiter must fail closed when redis is unreachable")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "", "p", 1, time.Minute); err == nil {
		t.Fatalf("empty addr must fail")
	}
	if _, err := New("localhost:6379", "", "p", 0, time.Minute); err == nil {
		t.Fatalf("zero limit must fail")
	}
	if _, err := New("localhost:6379", "", "p", 1, 0); err == nil {
		t.Fatalf("zero window must fail")
	}
}

func TestNilLimiterDenies(t *testing.T) {
	var limiter *Limiter
	if limiter.Allow("alice") {
		t.Fatalf("nil limiter must deny")
	}
}
