package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-broker/internal/password"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := password.Hash("hunter2!")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := password.Verify("hunter2!", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = password.Verify("hunter3!", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	first, err := password.Hash("hunter2!")
	require.NoError(t, err)
	second, err := password.Hash("hunter2!")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	for _, hash := range []string{
		"",
		"plaintext",
		"$bcrypt$whatever",
		"$argon2id$v=19$m=65536,t=3,p=2$salt-only",
	} {
		_, err := password.Verify("hunter2!", hash)
		require.Error(t, err, hash)
	}
}
