package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// cheap parameters keep the suite fast
func testParams() *Argon2Params {
	return NewParams(1024, 1, 1)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Correct-Horse-9", testParams())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := VerifyPassword("Correct-Horse-9", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword("correct-horse-9", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashPasswordUsesFreshSalt(t *testing.T) {
	a, err := HashPassword("same", testParams())
	require.NoError(t, err)
	b, err := HashPassword("same", testParams())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA",
	}
	for _, encoded := range cases {
		ok, err := VerifyPassword("x", encoded)
		require.Error(t, err, encoded)
		require.False(t, ok)
	}
}

func TestHasher(t *testing.T) {
	h, err := NewHasher(testParams())
	require.NoError(t, err)

	hash, err := h.Hash("S3cure!Passw0rd")
	require.NoError(t, err)

	ok, err := h.Verify("S3cure!Passw0rd", hash)
	require.NoError(t, err)
	require.True(t, ok)

	h.VerifyDecoy("anything")
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := GenerateToken()
		require.NoError(t, err)
		require.Len(t, tok, 43)
		require.NotContains(t, tok, "+")
		require.NotContains(t, tok, "/")
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestHashTokenIsStable(t *testing.T) {
	require.Equal(t, HashToken("abc"), HashToken("abc"))
	require.NotEqual(t, HashToken("abc"), HashToken("abd"))
	require.Len(t, HashToken("abc"), 64)
}
