package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MaxAttempts is the attempt ceiling after which nothing is retried.
const MaxAttempts = 5

// MySQL server and client error numbers.
const (
	mysqlDuplicateEntry    = 1062
	mysqlTooManyConns      = 1040
	mysqlConnectionError   = 2002
	mysqlConnHostError     = 2003
	mysqlServerGone        = 2006
	mysqlLostConnection    = 2013
	mysqlForeignKeyFailure = 1452
)

type rule func(err error, msg string) *Error

// Rules are evaluated in order and the first match wins.
var providerRules = []rule{
	networkRule,
	rateLimitRule,
	timeoutRule,
	serverErrorRule,
	recipientRule,
	clientErrorRule,
}

var databaseRules = []rule{
	dbConnectionRule,
	uniqueViolationRule,
	notFoundRule,
}

// Classify maps any error onto a classified Error. An error that is already
// classified is returned as is. Errors coming from the persistence layer,
// either wrapped with WrapDB or raised by the driver, get the database rules.
// Anything unrecognised is treated as retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	msg := err.Error()
	rules := providerRules
	if isDatabaseError(err) {
		rules = databaseRules
	}
	for _, r := range rules {
		if c := r(err, msg); c != nil {
			return c
		}
	}
	return newError(CodeUnknown, true, msg, err)
}

// ShouldRetry reports whether another attempt should be made after attempt
// attempts have already been used.
func ShouldRetry(err error, attempt int) bool {
	if attempt >= MaxAttempts {
		return false
	}
	if err == nil {
		return true
	}
	return Classify(err).Retryable
}

func isDatabaseError(err error) bool {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return true
	}
	return errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn)
}

func statusCode(err error) (int, string) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, httpErr.Channel
	}
	return 0, ""
}

func networkRule(err error, msg string) *Error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return NewNetworkError(msg, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return NewNetworkError(msg, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return NewNetworkError(msg, err)
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") {
		return NewNetworkError(msg, err)
	}
	return nil
}

func rateLimitRule(err error, msg string) *Error {
	code, _ := statusCode(err)
	if code == http.StatusTooManyRequests || strings.Contains(strings.ToLower(msg), "rate limit") {
		return NewRateLimitError(msg, err).WithMetadata("status_code", code)
	}
	return nil
}

func timeoutRule(err error, msg string) *Error {
	code, _ := statusCode(err)
	if code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout {
		return NewProviderTimeout(msg, err).WithMetadata("status_code", code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderTimeout(msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProviderTimeout(msg, err)
	}
	if strings.Contains(strings.ToLower(msg), "timeout") {
		return NewProviderTimeout(msg, err)
	}
	return nil
}

func serverErrorRule(err error, msg string) *Error {
	code, _ := statusCode(err)
	if code >= 500 && code < 600 {
		return NewTemporaryProviderError(msg, err).WithMetadata("status_code", code)
	}
	return nil
}

func recipientRule(err error, msg string) *Error {
	code, channel := statusCode(err)
	if code != http.StatusBadRequest {
		return nil
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "email"):
		return NewInvalidEmail(msg, err).WithMetadata("status_code", code)
	case strings.Contains(lower, "address") && channel == "physical-mail":
		return NewInvalidAddress(msg, err).WithMetadata("status_code", code)
	}
	return nil
}

func clientErrorRule(err error, msg string) *Error {
	code, _ := statusCode(err)
	if code == http.StatusForbidden {
		return newError(CodeForbidden, false, msg, err).WithMetadata("status_code", code)
	}
	if code >= 400 && code < 500 {
		return NewProviderRejection(msg, err).WithMetadata("status_code", code)
	}
	return nil
}

func dbConnectionRule(err error, msg string) *Error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, syscall.ECONNREFUSED) {
		return NewDatabaseConnectionError(msg, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlTooManyConns, mysqlConnectionError, mysqlConnHostError, mysqlServerGone, mysqlLostConnection:
			return NewDatabaseConnectionError(msg, err)
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewDatabaseConnectionError(msg, err)
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "bad connection") {
		return NewDatabaseConnectionError(msg, err)
	}
	return nil
}

func uniqueViolationRule(err error, msg string) *Error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return NewInvalidDelivery(msg, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlDuplicateEntry || myErr.Number == mysqlForeignKeyFailure) {
		return NewInvalidDelivery(msg, err).WithMetadata("mysql_error", myErr.Number)
	}
	if strings.Contains(strings.ToLower(msg), "unique constraint") {
		return NewInvalidDelivery(msg, err)
	}
	return nil
}

func notFoundRule(err error, msg string) *Error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewNotFound(msg, err)
	}
	return nil
}
