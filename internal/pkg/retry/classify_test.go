package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name      string
		err       error
		code      Code
		retryable bool
	}{
		{"connection refused", refused, CodeNetworkError, true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.example.com"}, CodeNetworkError, true},
		{"http 429", &HTTPError{StatusCode: 429}, CodeRateLimit, true},
		{"rate limit text", errors.New("Rate limit exceeded for key"), CodeRateLimit, true},
		{"http 504", &HTTPError{StatusCode: 504}, CodeProviderTimeout, true},
		{"http 408", &HTTPError{StatusCode: 408}, CodeProviderTimeout, true},
		{"deadline exceeded", fmt.Errorf("send: %w", context.DeadlineExceeded), CodeProviderTimeout, true},
		{"http 502", &HTTPError{StatusCode: 502}, CodeTemporaryProviderError, true},
		{"http 400 email", &HTTPError{StatusCode: 400, Message: "invalid recipient email"}, CodeInvalidEmail, false},
		{"http 400 address", &HTTPError{StatusCode: 400, Message: "address undeliverable", Channel: "physical-mail"}, CodeInvalidAddress, false},
		{"http 400 other", &HTTPError{StatusCode: 400, Message: "bad template"}, CodeProviderRejection, false},
		{"http 403", &HTTPError{StatusCode: 403}, CodeForbidden, false},
		{"http 422", &HTTPError{StatusCode: 422}, CodeProviderRejection, false},
		{"db connection refused", WrapDB("select", refused), CodeDatabaseConnectionError, true},
		{"mysql server gone", &mysql.MySQLError{Number: 2006, Message: "MySQL server has gone away"}, CodeDatabaseConnectionError, true},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, CodeInvalidDelivery, false},
		{"gorm duplicated key", WrapDB("insert", gorm.ErrDuplicatedKey), CodeInvalidDelivery, false},
		{"record not found", fmt.Errorf("load: %w", gorm.ErrRecordNotFound), CodeNotFound, false},
		{"unknown", errors.New("something odd"), CodeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			require.NotNil(t, c)
			assert.Equal(t, tt.code, c.Code)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.ErrorIs(t, c, tt.err)
		})
	}
}

func TestClassify_OrderFirstMatchWins(t *testing.T) {
	// A 429 whose body mentions a timeout is still a rate limit.
	c := Classify(&HTTPError{StatusCode: 429, Message: "timeout while throttled"})
	assert.Equal(t, CodeRateLimit, c.Code)

	// A 400 mentioning an address is only INVALID_ADDRESS for physical mail.
	c = Classify(&HTTPError{StatusCode: 400, Message: "bad address", Channel: "message"})
	assert.Equal(t, CodeProviderRejection, c.Code)
}

func TestClassify_PassesThroughClassifiedErrors(t *testing.T) {
	orig := NewDecryptionError("key rotated", nil)
	wrapped := fmt.Errorf("deliver: %w", orig)

	assert.Same(t, orig, Classify(wrapped))
	assert.Nil(t, Classify(nil))
}

func TestShouldRetry(t *testing.T) {
	transient := &HTTPError{StatusCode: 503}
	terminal := &HTTPError{StatusCode: 400, Message: "invalid email"}

	assert.True(t, ShouldRetry(transient, 0))
	assert.True(t, ShouldRetry(transient, MaxAttempts-1))
	assert.False(t, ShouldRetry(transient, MaxAttempts))
	assert.False(t, ShouldRetry(terminal, 0))
	assert.True(t, ShouldRetry(errors.New("mystery"), 2))
}
