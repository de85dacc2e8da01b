package errs_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ordercore/errs"
)

func TestTransientClassification(t *testing.T) {
	transient := []errs.Code{errs.CodeRateLimited, errs.CodeTimeout, errs.CodeNetwork, errs.CodeUnavailable}
	for _, code := range transient {
		require.True(t, code.Transient(), "code %s", code)
	}
	permanent := []errs.Code{errs.CodeInvalid, errs.CodeAuth, errs.CodeInsufficientFunds, errs.CodeNotFound, errs.CodeConflict, errs.CodeBroker}
	for _, code := range permanent {
		require.False(t, code.Transient(), "code %s", code)
	}
}

func TestIsTransient(t *testing.T) {
	err := errs.New("alpaca", errs.CodeRateLimited, errs.WithHTTP(429))
	require.True(t, errs.IsTransient(err))
	require.True(t, errs.IsTransient(errors.Join(errors.New("outer"), err)))
	require.False(t, errs.IsTransient(errors.New("plain")))
	require.False(t, errs.IsTransient(nil))
}

func TestErrorString(t *testing.T) {
	err := errs.New("alpaca", errs.CodeInvalid,
		errs.WithHTTP(400),
		errs.WithMessage("quantity must be positive"),
		errs.WithRawCode("40010001"),
	)
	got := err.Error()
	require.Contains(t, got, "venue=alpaca")
	require.Contains(t, got, "code=invalid_request")
	require.Contains(t, got, "http=400")
	require.Contains(t, got, `message="quantity must be positive"`)
	require.Contains(t, got, `raw_code="40010001"`)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := errs.New("alpaca", errs.CodeNetwork, errs.WithCause(cause))
	require.ErrorIs(t, err, cause)
}

func TestExhaustedPreservesCategory(t *testing.T) {
	orig := errs.New("alpaca", errs.CodeRateLimited, errs.WithRawCode("429"))
	annotated := errs.Exhausted(orig, 4, 14*time.Second)

	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(annotated))
	var e *errs.E
	require.ErrorAs(t, annotated, &e)
	require.Equal(t, 4, e.Attempts)
	require.Equal(t, 14*time.Second, e.Elapsed)
	// Original envelope stays untouched.
	require.Zero(t, orig.Attempts)
}

func TestExhaustedWrapsPlainError(t *testing.T) {
	plain := errors.New("boom")
	annotated := errs.Exhausted(plain, 2, time.Second)
	require.ErrorIs(t, annotated, plain)
	require.Equal(t, errs.CodeBroker, errs.CodeOf(annotated))
}
