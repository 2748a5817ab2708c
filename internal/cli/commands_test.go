// internal/cli/commands_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Real filesystem, current process identity
// PURPOSE: Test argument handling and a full migration through the CLI

package cli_test

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certswap/certswap/internal/cli"
	"github.com/certswap/certswap/pkg/certdb"
	"github.com/certswap/certswap/pkg/testutil"
)

func TestRootCmd_ArgValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no_args", args: []string{"--tty"}},
		{name: "one_arg", args: []string{"--tty", "certdb"}},
		{name: "three_args", args: []string{"--tty", "certdb", "example.com", "extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := cli.NewRootCmd()
			cmd.SetArgs(tt.args)
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestRootCmd_MutuallyExclusiveLogFlags(t *testing.T) {
	cmd := cli.NewRootCmd()
	cmd.SetArgs([]string{"--tty", "--syslog", "certdb", "example.com"})
	assert.Error(t, cmd.Execute())
}

func TestRootCmd_FullMigration(t *testing.T) {
	root := t.TempDir()
	confDir := filepath.Join(root, "conf")
	certDir := filepath.Join(root, "acme")
	require.NoError(t, os.Mkdir(confDir, 0755))
	require.NoError(t, os.Mkdir(certDir, 0755))

	oldName := "alias-20240101000000"
	oldDir := filepath.Join(confDir, oldName)
	require.NoError(t, os.Mkdir(oldDir, 0750))
	require.NoError(t, os.Symlink(oldName, filepath.Join(confDir, "alias")))
	testutil.WriteIndexFiles(t, oldDir, []certdb.CertRecord{
		{Nickname: "example.com", PEM: "old"},
	})

	testutil.WriteCertFile(t, certDir, "example.com",
		testutil.GenerateCertPEM(t, "example.com", 24*time.Hour))

	u, err := user.Current()
	require.NoError(t, err)

	cmd := cli.NewRootCmd()
	cmd.SetArgs([]string{
		"--tty", "--allow-root",
		"--conf-dir", confDir,
		"--cert-dir", certDir,
		u.Username, "example.com",
	})
	require.NoError(t, cmd.Execute())

	target, err := os.Readlink(filepath.Join(confDir, "alias"))
	require.NoError(t, err)
	assert.NotEqual(t, oldName, target, "alias repointed to new generation")

	certs := testutil.ReadCertIndex(t, filepath.Join(confDir, target))
	require.Len(t, certs, 1)
	assert.Equal(t, "example.com", certs[0].Nickname)
	assert.Contains(t, certs[0].PEM, "BEGIN CERTIFICATE")
}

func TestRootCmd_UnknownUserFails(t *testing.T) {
	cmd := cli.NewRootCmd()
	cmd.SetArgs([]string{"--tty", "certswap-no-such-user", "example.com"})
	assert.Error(t, cmd.Execute())
}
