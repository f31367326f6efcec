package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientErrorMessage(t *testing.T) {
	withReason := NewClient(CodeDeadlineTooSoon, "bid expires in 2s")
	require.Equal(t, "deadline_too_soon: bid expires in 2s", withReason.Error())

	bare := NewClient(CodeBidNotFound, "")
	require.Equal(t, "bid_not_found", bare.Error())
}

func TestIsClient(t *testing.T) {
	err := NewClient(CodeDuplicateBid, "")
	ce, ok := IsClient(err)
	require.True(t, ok)
	require.Equal(t, CodeDuplicateBid, ce.Code())

	_, ok = IsClient(errors.New("plain"))
	require.False(t, ok)
}

func TestIsTransientUnwraps(t *testing.T) {
	cause := errors.New("rpc timeout")
	transient := NewTransient(cause)

	te, ok := IsTransient(transient)
	require.True(t, ok)
	require.Equal(t, CodeTemporarilyUnavailable, te.Code())
	require.ErrorIs(t, transient, cause)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause, "context")
	require.Error(t, wrapped)
	require.Contains(t, wrapped.Error(), "context")
	require.Contains(t, wrapped.Error(), "boom")
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, "context"))
}
