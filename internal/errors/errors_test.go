package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndAttributes(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true, Alert: true})

	err := New(code, "")
	assert.Equal(t, "registered", err.Message())
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityWarning, err.Severity())
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	assert.Equal(t, AttributesOf(CodeUnknown), attr)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeTimeout, "slow", WithRetryable(false), WithAlert(false), WithSeverity(SeverityCritical), WithMetadata("provider", "fs"))
	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, map[string]string{"provider": "fs"}, err.Metadata())
}

func TestWrapChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	inner := Wrap(CodeStorageFailure, cause, "save checkpoint")
	outer := fmt.Errorf("resume: %w", inner)

	require.True(t, stdErrors.Is(outer, cause))
	assert.Equal(t, CodeStorageFailure, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeStorageFailure))
	assert.False(t, HasCode(outer, CodeTimeout))
	assert.True(t, RetryableError(outer))
	assert.True(t, stdErrors.Is(outer, New(CodeStorageFailure, "other")))
	assert.Contains(t, inner.Error(), "connection refused")
}

func TestPlainErrors(t *testing.T) {
	plain := stdErrors.New("plain")
	assert.Equal(t, CodeUnknown, CodeOf(plain))
	assert.False(t, RetryableError(plain))
	assert.False(t, ShouldAlert(plain))
	assert.Nil(t, MetadataOf(plain))
	assert.Equal(t, SeverityCritical, SeverityOf(plain))
}
