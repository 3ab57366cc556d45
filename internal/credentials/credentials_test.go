package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

func TestLookupExactThenCaseInsensitive(t *testing.T) {
	t.Parallel()

	p := New(map[string]crawler.Credentials{
		"RamiLevy": {Username: "rami", Password: "pw"},
		"blank":    {Username: "only-user"},
	})

	c, ok := p.Lookup("RamiLevy")
	require.True(t, ok)
	require.Equal(t, "rami", c.Username)

	c, ok = p.Lookup("ramilevy")
	require.True(t, ok)
	require.Equal(t, "pw", c.Password)

	_, ok = p.Lookup("blank")
	require.False(t, ok, "entries without a password are unusable")

	_, ok = p.Lookup("missing")
	require.False(t, ok)

	var nilProvider *Provider
	_, ok = nilProvider.Lookup("RamiLevy")
	require.False(t, ok)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials:
  osherad:
    username: file-user
    password: file-pass
  yohananof:
    username: y
    password: y-pass
`), 0o600))
	t.Setenv("TEST_RETAILER_CREDS_JSON", `{"osherad":{"username":"env-user","password":"env-pass"}}`)

	p, err := Load(path, "TEST_RETAILER_CREDS_JSON")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	c, ok := p.Lookup("osherad")
	require.True(t, ok)
	require.Equal(t, "env-user", c.Username, "environment entries win")

	c, ok = p.Lookup("Yohananof")
	require.True(t, ok)
	require.Equal(t, "y-pass", c.Password)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("TEST_BAD_CREDS_JSON", `{not json`)

	_, err := Load("", "TEST_BAD_CREDS_JSON")
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestLoadWithoutSources(t *testing.T) {
	t.Parallel()

	p, err := Load("", "")
	require.NoError(t, err)
	require.Zero(t, p.Len())
}

func TestEnvWinsOverFileKeyInAnotherCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials:
  shufersal:
    username: file-user
    password: file-pass
`), 0o600))
	t.Setenv("TEST_CASE_CREDS_JSON", `{"Shufersal":{"username":"env-user","password":"env-pass"}}`)

	for i := 0; i < 20; i++ {
		p, err := Load(path, "TEST_CASE_CREDS_JSON")
		require.NoError(t, err)
		require.Equal(t, 1, p.Len())
		for _, key := range []string{"shufersal", "Shufersal", "SHUFERSAL"} {
			c, ok := p.Lookup(key)
			require.True(t, ok)
			require.Equal(t, "env-user", c.Username, key)
		}
	}
}

func TestCaseInsensitiveLookupIsStable(t *testing.T) {
	t.Parallel()

	entries := map[string]crawler.Credentials{
		"Victory": {Username: "upper", Password: "pw"},
		"victory": {Username: "lower", Password: "pw"},
		"VICTORY": {Username: "caps", Password: "pw"},
	}
	for i := 0; i < 20; i++ {
		p := New(entries)
		c, ok := p.Lookup("ViCtOrY")
		require.True(t, ok)
		require.Equal(t, "caps", c.Username)

		c, ok = p.Lookup("victory")
		require.True(t, ok)
		require.Equal(t, "lower", c.Username, "exact matches come first")
	}
}
