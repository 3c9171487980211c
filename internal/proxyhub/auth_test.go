package proxyhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_validate_token_accepts_matching_secret(t *testing.T) {
	require.True(t, ValidateToken("shared-secret", "shared-secret"))
}

func Test_validate_token_rejects_wrong_secret(t *testing.T) {
	require.False(t, ValidateToken("shared-secret", "wrong-secret"))
}

func Test_validate_token_rejects_empty_token(t *testing.T) {
	require.False(t, ValidateToken("shared-secret", ""))
}

func Test_validate_token_rejects_empty_secret(t *testing.T) {
	require.False(t, ValidateToken("", "anything"))
}
