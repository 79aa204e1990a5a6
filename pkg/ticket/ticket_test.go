package ticket_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faramesh/faramesh-core/pkg/ticket"
)

func TestMintAndVerify(t *testing.T) {
	a, err := ticket.NewAuthority(nil)
	require.NoError(t, err)

	tok, err := a.Mint("act-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	assert.NoError(t, a.Verify(tok, tok, "act-1"))
}

func TestVerify_WrongToken(t *testing.T) {
	a, err := ticket.NewAuthority(nil)
	require.NoError(t, err)

	tok, err := a.Mint("act-1")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Verify("not-the-token", tok, "act-1"), ticket.ErrInvalid)
}

func TestVerify_WrongActionBinding(t *testing.T) {
	a, err := ticket.NewAuthority(nil)
	require.NoError(t, err)

	tok, err := a.Mint("act-1")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Verify(tok, tok, "act-2"), ticket.ErrInvalid)
}

func TestVerify_ForeignSigningKey(t *testing.T) {
	a1, err := ticket.NewAuthority([]byte("key-one-aaaaaaaaaaaaaaaaaaaaaaaa"))
	require.NoError(t, err)
	a2, err := ticket.NewAuthority([]byte("key-two-bbbbbbbbbbbbbbbbbbbbbbbb"))
	require.NoError(t, err)

	tok, err := a1.Mint("act-1")
	require.NoError(t, err)

	assert.ErrorIs(t, a2.Verify(tok, tok, "act-1"), ticket.ErrInvalid)
}

func TestVerify_EmptyStoredMeansAlreadyRedeemed(t *testing.T) {
	a, err := ticket.NewAuthority(nil)
	require.NoError(t, err)

	tok, err := a.Mint("act-1")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Verify(tok, "", "act-1"), ticket.ErrInvalid)
}
