// Package cli wires the command-line surface. It owns argument parsing,
// logging destination selection, and the single top-level fatal handler;
// the migration itself never terminates the process.
package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/certswap/certswap/internal/version"
	"github.com/certswap/certswap/pkg/config"
	"github.com/certswap/certswap/pkg/logging"
	"github.com/certswap/certswap/pkg/migrate"
	"github.com/certswap/certswap/pkg/privilege"
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	var (
		verbosity  int
		useSyslog  bool
		useTTY     bool
		allowRoot  bool
		configPath string
		confDir    string
		certDir    string
	)

	rootCmd := &cobra.Command{
		Use:   "certswap DB_USER SUBJECT",
		Short: "Atomically replace a subject's certificate in an aliased certificate database",
		Long: `certswap rebuilds the certificate-database directory tree behind the
alias symlink with the certificate for one subject replaced, then
atomically repoints the symlink. Readers following the alias see either
the fully-old or the fully-new tree, never a partial one.

The database index files are mutated under DB_USER's identity; the new
certificate is read from <cert-dir>/SUBJECT.crt.`,
		Args:    cobra.ExactArgs(2),
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			dest := logging.DestAuto
			if useSyslog {
				dest = logging.DestSyslog
			} else if useTTY {
				dest = logging.DestConsole
			}
			logging.SetupLogger(verbosity, dest)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if confDir != "" {
				cfg.ConfDir = confDir
			}
			if certDir != "" {
				cfg.CertDir = certDir
			}
			if allowRoot {
				cfg.AllowRoot = true
			}

			dbUser, subject := args[0], args[1]

			id, err := privilege.Resolve(dbUser, cfg.AllowRoot)
			if err != nil {
				return err
			}

			return migrate.Run(migrate.Options{
				ConfDir: cfg.ConfDir,
				CertDir: cfg.CertDir,
				Subject: subject,
				DBUser:  id,
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"Increase verbosity (-v DEBUG, -vv TRACE)")
	rootCmd.PersistentFlags().BoolVarP(&useSyslog, "syslog", "s", false,
		"Log to syslog")
	rootCmd.PersistentFlags().BoolVarP(&useTTY, "tty", "t", false,
		"Log to stderr")
	rootCmd.MarkFlagsMutuallyExclusive("syslog", "tty")

	rootCmd.Flags().BoolVar(&allowRoot, "allow-root", false,
		"Allow a database user that resolves to uid/gid 0")
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"Config file (default is searched in XDG config dirs and /etc/certswap)")
	rootCmd.Flags().StringVar(&confDir, "conf-dir", "",
		"Directory holding the alias symlink and generations")
	rootCmd.Flags().StringVar(&certDir, "cert-dir", "",
		"Directory holding <subject>.crt input files")

	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("certswap version %s\n", version.Version)
			fmt.Printf("  commit: %s\n", version.Commit)
			fmt.Printf("  built:  %s\n", version.Date)
		},
	}
}
