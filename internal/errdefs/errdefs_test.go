package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
)

func TestIsPredicates(t *testing.T) {
	other := errors.New("other")

	tests := map[string]struct {
		err      error
		is       func(error) bool
		expected bool
	}{
		"direct-not-found": {
			err:      NotFound(other),
			is:       IsNotFound,
			expected: true,
		},
		"wrapped-not-found": {
			err:      fmt.Errorf("wrap: %w", NotFound(other)),
			is:       IsNotFound,
			expected: true,
		},
		"not-found-is-not-invalid-argument": {
			err: NotFound(other),
			is:  IsInvalidArgument,
		},
		"direct-invalid-argument": {
			err:      InvalidArgument(other),
			is:       IsInvalidArgument,
			expected: true,
		},
		"direct-unavailable": {
			err:      Unavailable(other),
			is:       IsUnavailable,
			expected: true,
		},
		"direct-canceled": {
			err:      Canceled(other),
			is:       IsCanceled,
			expected: true,
		},
		"direct-internal": {
			err:      Internal(other),
			is:       IsInternal,
			expected: true,
		},
		"direct-failed-precondition": {
			err:      FailedPrecondition(other),
			is:       IsFailedPrecondition,
			expected: true,
		},
		"plain-error-matches-nothing": {
			err: other,
			is:  IsNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.is(tc.err), tc.expected)
		})
	}
}

func TestErrorfWrapsMessage(t *testing.T) {
	err := Errorf(NotFound, "blob %s missing", "abc123")
	assert.Assert(t, IsNotFound(err))
	assert.ErrorContains(t, err, "blob abc123 missing")
}
