package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryableTxErrorCodes(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	if !isRetryableTxError(serialization) {
		t.Fatalf("serialization abort must be retryable")
	}
	deadlock := &pgconn.PgError{Code: "40P01"}
	if !isRetryableTxError(deadlock) {
		t.Fatalf("deadlock abort must be retryable")
	}
	if !isRetryableTxError(fmt.Errorf("commit sale: %w", serialization)) {
		t.Fatalf("wrapped serialization abort must be retryable")
	}

	unique := &pgconn.PgError{Code: "23505"}
	if isRetryableTxError(unique) {
		t.Fatalf("unique violation must not be retried")
	}
	if isRetryableTxError(errors.New("driver: bad connection")) {
		t.Fatalf("plain errors must not be retried")
	}
	if isRetryableTxError(nil) {
		t.Fatalf("nil error must not be retried")
	}
}
