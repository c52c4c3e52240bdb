package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	tcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{
			name: "nil error",
			err:  nil,
			kind: Internal,
		},
		{
			name: "plain error",
			err:  cause,
			kind: Internal,
		},
		{
			name: "forbidden",
			err:  E("chat.ListMessages", Forbidden, cause),
			kind: Forbidden,
		},
		{
			name: "wrapped app error",
			err:  fmt.Errorf("outer: %w", E("chat.SendMessage", InvalidArgument, nil)),
			kind: InvalidArgument,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("query: %w", context.DeadlineExceeded),
			kind: Retrievable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := E("chat.ListRoomsForUser", Retrievable, cause)

	assert.ErrorIs(t, err, cause, "expected cause to be preserved")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "chat.ListRoomsForUser: retrievable: connection refused", err.Error())
}

func TestErrorf(t *testing.T) {
	err := Errorf("chat.MarkRead", InvalidArgument, "malformed message id %q", "x")
	assert.True(t, Is(err, InvalidArgument))
	assert.Contains(t, err.Error(), `malformed message id "x"`)
}
