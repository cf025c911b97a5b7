package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedAndUnclassified(t *testing.T) {
	base := New(KindNotFound, "job %s missing", "abc")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindConnFailed, cause, "tenant %s pool", "owner-1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection_failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuth, http.StatusUnauthorized},
		{KindNotFound, http.StatusNotFound},
		{KindInvalidState, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindUpstream, http.StatusBadGateway},
		{KindDelivery, http.StatusBadGateway},
		{KindConnFailed, http.StatusBadGateway},
		{KindPersistence, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(New(tc.kind, "x")), "kind %s", tc.kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestRetryable_TransientKindsOnly(t *testing.T) {
	for _, kind := range []Kind{KindUpstream, KindPersistence, KindDelivery} {
		assert.True(t, Retryable(New(kind, "x")), "kind %s", kind)
	}
	for _, kind := range []Kind{KindValidation, KindAuth, KindNotFound, KindInvalidState, KindRateLimited, KindConnFailed, KindInternal} {
		assert.False(t, Retryable(New(kind, "x")), "kind %s", kind)
	}
}
