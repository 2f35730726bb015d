package httpretry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_DelayStrictlyIncreasesUntilCap(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond, 3*time.Second)

	prev := time.Duration(0)
	capped := false
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, p.MaxDelay)
		if capped {
			assert.Equal(t, p.MaxDelay, d, "attempt %d", attempt)
			continue
		}
		assert.Greater(t, d, prev, "attempt %d", attempt)
		if d == p.MaxDelay {
			capped = true
		}
		prev = d
	}
	assert.True(t, capped, "cap should be reached within 10 attempts")
}

func TestPolicy_DelayValues(t *testing.T) {
	p := NewPolicy(6, 2*time.Second, 5*time.Minute)

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Minute, p.Delay(500))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := NewPolicy(3, time.Second, time.Minute)
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(0, 0, 0)
	assert.Equal(t, DefaultPolicy(), p)

	p = NewPolicy(2, time.Minute, time.Second)
	assert.Equal(t, time.Minute, p.MaxDelay, "max delay is raised to the base delay")
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusNotImplemented, true},
		{http.StatusHTTPVersionNotSupported, true},
		{http.StatusInsufficientStorage, true},
		{520, true},
		{529, true},
		{600, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableStatus(tt.code))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(fmt.Errorf("send: %w", context.Canceled)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.False(t, IsTransient(errors.New("marshal failed")))
}
