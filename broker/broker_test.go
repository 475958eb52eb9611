package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cause := errors.New("throttled")
	assert.True(t, IsTransient(Transient("receive", cause)))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient("receive", cause))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(cause))
	assert.False(t, IsTransient(nil))
	assert.NoError(t, Transient("receive", nil))

	var te *TransientError
	require.ErrorAs(t, Transient("receive", cause), &te)
	assert.ErrorIs(t, te, cause)
	assert.Equal(t, "receive", te.Op)
}

func TestResolveResultHelpers(t *testing.T) {
	res := FailAll([]string{"a", "b"}, ErrLockTokenNotFound)
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0].Err, ErrLockTokenNotFound)

	res.Add(ResolveResult{Succeeded: []string{"c"}})
	assert.Equal(t, []string{"c"}, res.Succeeded)
}
