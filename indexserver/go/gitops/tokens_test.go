package gitops

import (
	"strings"
	"testing"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/indexserver/go/apierr"
)

func TestTokenSingleUse(t *testing.T) {
	s := newTokenStore()
	token, err := s.Issue(OP_RESET)
	assert.NoError(t, err)
	assert.Len(t, token, TOKEN_LENGTH)
	for _, c := range token {
		assert.True(t, strings.ContainsRune(TOKEN_ALPHABET, c), "unexpected rune %q", c)
	}

	assert.NoError(t, s.Consume(token, OP_RESET))

	// Consumed tokens are gone.
	err = s.Consume(token, OP_RESET)
	assert.True(t, apierr.IsKind(err, apierr.ConfirmationInvalid))
}

func TestTokenOperationMismatch(t *testing.T) {
	s := newTokenStore()
	token, err := s.Issue(OP_CLEAN)
	assert.NoError(t, err)

	err = s.Consume(token, OP_BRANCH_DELETE)
	assert.True(t, apierr.IsKind(err, apierr.ConfirmationInvalid))

	// The mismatch must not have consumed it.
	assert.NoError(t, s.Consume(token, OP_CLEAN))
}

func TestTokenUnknown(t *testing.T) {
	s := newTokenStore()
	err := s.Consume("AAAAAA", OP_RESET)
	assert.True(t, apierr.IsKind(err, apierr.ConfirmationInvalid))
}

func TestConfirmProtocol(t *testing.T) {
	svc := &Service{tokens: newTokenStore()}

	// Phase one: no token, a pending result comes back.
	pending, err := svc.confirm(OP_RESET, "")
	assert.NoError(t, err)
	assert.NotNil(t, pending)
	assert.True(t, pending.RequiresConfirmation)
	assert.NotEmpty(t, pending.Token)

	// Phase two: replay with the token proceeds.
	proceed, err := svc.confirm(OP_RESET, pending.Token)
	assert.NoError(t, err)
	assert.Nil(t, proceed)

	// Replaying the same token again is rejected.
	_, err = svc.confirm(OP_RESET, pending.Token)
	assert.True(t, apierr.IsKind(err, apierr.ConfirmationInvalid))
}
