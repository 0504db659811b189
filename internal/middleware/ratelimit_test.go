package middleware_test

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"

	"github.com/ShawnYin-hub/WhatToEat/internal/middleware"
)

func TestRateLimit_RejectsInvalidConfig(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	assert.Panics(t, func() {
		middleware.RateLimit(nil, "wte:", 100, time.Second)
	}, "nil Redis client must be rejected at construction")
	assert.Panics(t, func() {
		middleware.RateLimit(client, "wte:", 0, time.Second)
	}, "non-positive maxRequests must be rejected")
	assert.Panics(t, func() {
		middleware.RateLimit(client, "wte:", 100, 0)
	}, "non-positive window must be rejected")

	assert.NotNil(t, middleware.RateLimit(client, "wte:", 100, time.Second))
}
