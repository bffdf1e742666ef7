package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/vouchermart/internal/model"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"lock not available", &pgconn.PgError{Code: pgerrcode.LockNotAvailable}, true},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		{"serialization", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{"double delivery", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "credential_assignments_credential_id_key"}, true},
		{"double coupon usage", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "coupon_usages_order_id_key"}, true},
		{"other unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "ships_name_key"}, false},
		{"syntax", &pgconn.PgError{Code: pgerrcode.SyntaxError}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if errors.Is(got, model.ErrConcurrencyConflict) != tt.conflict {
				t.Fatalf("classifyError(%v) = %v, conflict want %v", tt.err, got, tt.conflict)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	r := &PostgresRepository{retryDelays: []time.Duration{time.Millisecond, time.Millisecond}}
	ctx := context.Background()

	calls := 0
	err := r.withRetry(ctx, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.withRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.LockNotAvailable, Message: "canceling statement due to lock timeout"}
	})
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.withRetry(ctx, func() error {
		calls++
		return model.ErrInsufficientInventory
	})
	assert.ErrorIs(t, err, model.ErrInsufficientInventory)
	assert.Equal(t, 1, calls)
}

func TestNumericRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("123.45")
	assert.True(t, d.Equal(decimalFrom(toNumeric(d))))
	assert.False(t, nullDecimalFrom(toNumeric(d)).Decimal.IsZero())
	assert.False(t, nullDecimalFrom(pgtype.Numeric{}).Valid)
}
