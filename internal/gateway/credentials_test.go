package gateway

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/pkg/crypto"
	"hedge-core/pkg/errs"
)

func TestCredentialRoundTripPlaintext(t *testing.T) {
	s := NewCredentialStore(t.TempDir(), nil)
	in := Credentials{APIKey: "key-123", APISecret: "secret-456", Testnet: true}
	require.NoError(t, s.Write("ACC1", PlatformBinanceUSDT, in))

	out, err := s.Read("ACC1", PlatformBinanceUSDT)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	info, err := os.Stat(s.Path("ACC1", PlatformBinanceUSDT))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCredentialSealing(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	km, err := crypto.NewKeyManager(map[int]string{1: key})
	require.NoError(t, err)

	root := t.TempDir()
	s := NewCredentialStore(root, km)
	require.NoError(t, s.Write("ACC1", PlatformBitunix, Credentials{APIKey: "key-123", APISecret: "secret-456"}))

	raw, err := os.ReadFile(s.Path("ACC1", PlatformBitunix))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-456")
	assert.Contains(t, string(raw), "ENC[v1]:")

	out, err := s.Read("ACC1", PlatformBitunix)
	require.NoError(t, err)
	assert.Equal(t, "secret-456", out.APISecret)

	// Without the key the sealed file cannot be opened.
	_, err = NewCredentialStore(root, nil).Read("ACC1", PlatformBitunix)
	assert.ErrorIs(t, err, errs.ErrCredentialsInvalid)
}

func TestCredentialFilesAreSeparated(t *testing.T) {
	s := NewCredentialStore(t.TempDir(), nil)
	require.NoError(t, s.Write("ACC1", PlatformPaper, Credentials{APIKey: "a"}))
	require.NoError(t, s.Write("ACC2", PlatformPaper, Credentials{APIKey: "b"}))
	require.NoError(t, s.Write("ACC2", PlatformBitunix, Credentials{APIKey: "c"}))

	pairs, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Account: "ACC1", Platform: PlatformPaper},
		{Account: "ACC2", Platform: PlatformBitunix},
		{Account: "ACC2", Platform: PlatformPaper},
	}, pairs)
	assert.NotEqual(t, s.Path("ACC1", PlatformPaper), s.Path("ACC2", PlatformPaper))

	_, err = s.Read("ACC1", PlatformBitunix)
	assert.ErrorIs(t, err, errs.ErrPlatformNotConfigured)

	require.NoError(t, s.Delete("ACC2", PlatformBitunix))
	require.NoError(t, s.Delete("ACC2", PlatformBitunix))
}

func TestCredentialPathsAreValidated(t *testing.T) {
	s := NewCredentialStore(t.TempDir(), nil)
	assert.ErrorIs(t, s.Write("..", PlatformPaper, Credentials{}), errs.ErrInvalidParameter)
	assert.ErrorIs(t, s.Write("ACC1", "../x", Credentials{}), errs.ErrInvalidParameter)
}

func TestCredentialsAreNeverLogged(t *testing.T) {
	c := Credentials{APIKey: "abcdefgh", APISecret: "topsecret"}
	assert.NotContains(t, c.String(), "topsecret")
	assert.NotContains(t, c.String(), "abcdefgh")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("credentials", c).Msg("x")
	assert.False(t, strings.Contains(buf.String(), "topsecret"))
	assert.Contains(t, buf.String(), "abcd****")
}
