package adapter

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-research/pkg/contactforge"
)

func TestClassifyStatusErrorRetryability(t *testing.T) {
	tests := []struct {
		code          int
		wantKind      ErrorKind
		wantRetryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusPaymentRequired, KindInsufficientCredits, false},
		{http.StatusForbidden, KindInsufficientCredits, false},
		{http.StatusRequestTimeout, KindUnknown, true},
		{http.StatusInternalServerError, KindUnknown, true},
		{http.StatusBadGateway, KindUnknown, true},
		{http.StatusServiceUnavailable, KindUnknown, true},
		{http.StatusGatewayTimeout, KindUnknown, true},
		{http.StatusBadRequest, KindUnknown, false},
		{http.StatusNotFound, KindUnknown, false},
	}

	for _, tt := range tests {
		err := Classify(&contactforge.StatusError{Code: tt.code, Body: "boom"})
		require.NotNil(t, err, "status %d", tt.code)
		assert.Equal(t, tt.wantKind, err.Kind, "status %d", tt.code)
		assert.Equal(t, tt.wantRetryable, Retryable(err), "status %d", tt.code)
	}
}

func TestClassifyCanceled(t *testing.T) {
	err := Classify(context.Canceled)
	assert.Equal(t, KindCanceled, err.Kind)
	assert.False(t, Retryable(err))
}

func TestClassifyPassesTypedErrorsThrough(t *testing.T) {
	orig := NewError(KindSchemaInvalid, "bad shape")
	assert.Same(t, orig, Classify(orig))

	wrapped := Classify(errors.New("plain failure"))
	assert.Equal(t, KindUnknown, wrapped.Kind)
	assert.False(t, Retryable(wrapped))
}
