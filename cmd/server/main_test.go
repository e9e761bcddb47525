package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidc-server/internal/keys"
	"oidc-server/internal/utils"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testRoot() *cobra.Command {
	root := &cobra.Command{Use: "oidc-server", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.AddCommand(newGenKeyCmd(), newClientsCmd())
	return root
}

func TestHashSecret(t *testing.T) {
	root := &cobra.Command{Use: "oidc-server"}
	root.AddCommand(hashSecretCmd)

	out, err := execute(t, root, "hash-secret", "s3cret")
	require.NoError(t, err)
	assert.True(t, utils.ValidateSecret("s3cret", []byte(strings.TrimSpace(out))))

	root.SetIn(strings.NewReader("from-stdin\n"))
	out, err = execute(t, root, "hash-secret")
	require.NoError(t, err)
	assert.True(t, utils.ValidateSecret("from-stdin", []byte(strings.TrimSpace(out))))
}

func TestGenKey(t *testing.T) {
	for _, alg := range []string{keys.AlgorithmRS256, keys.AlgorithmES256} {
		t.Run(alg, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "signing.pem")
			_, err := execute(t, testRoot(), "genkey", "--alg", alg, "--out", path)
			require.NoError(t, err)

			loaded, err := keys.LoadKeyFile(path, time.Now())
			require.NoError(t, err)
			assert.Equal(t, alg, loaded.Algorithm)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		})
	}

	_, err := execute(t, testRoot(), "genkey", "--alg", "HS256")
	assert.Error(t, err)
}

func TestClientsCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server:
  issuer: http://localhost:8080
security:
  session_secret: 0123456789abcdef0123456789abcdef
logging:
  level: error
database:
  type: sqlite
  path: `+filepath.Join(dir, "oidc.db")+`
`), 0o600))

	_, err := execute(t, testRoot(), "clients", "add", "--config", cfgPath,
		"--id", "spa", "--name", "Single Page App",
		"--redirect-uri", "http://localhost:3000/cb", "--scope", "openid,profile")
	require.NoError(t, err)

	out, err := execute(t, testRoot(), "clients", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "spa")
	assert.Contains(t, out, "public")
	assert.Contains(t, out, "openid profile")

	_, err = execute(t, testRoot(), "clients", "add", "--config", cfgPath, "--id", "broken", "--scope", "openid")
	assert.Error(t, err, "authorization_code without redirect URIs is rejected")

	_, err = execute(t, testRoot(), "clients", "delete", "--config", cfgPath, "spa")
	require.NoError(t, err)
	out, err = execute(t, testRoot(), "clients", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "spa")
}
