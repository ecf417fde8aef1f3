package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

func TestPoolAccount_DeterministicAndNamespaced(t *testing.T) {
	assert.Equal(t, PoolAccount(1), PoolAccount(1))
	assert.NotEqual(t, PoolAccount(1), PoolAccount(2))
	assert.True(t, IsPoolAccount(PoolAccount(1)))
	assert.False(t, IsPoolAccount("alice"))

	_, err := shared.NewAccountID(PoolAccount(1).String())
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCustodian_Verify(t *testing.T) {
	c, err := NewCustodian([]byte("custody-key"))
	require.NoError(t, err)

	auth := c.AuthorityFor(4)
	require.NoError(t, c.Verify(auth, 4))
	assert.ErrorIs(t, c.Verify(auth, 5), shared.ErrForbidden)
	assert.ErrorIs(t, c.Verify(GroupAuthority{}, 4), shared.ErrForbidden)

	other, err := NewCustodian([]byte("other-key"))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(auth, 4), shared.ErrForbidden)

	_, err = NewCustodian(nil)
	assert.Error(t, err)
}
