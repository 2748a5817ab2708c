package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/certswap/certswap/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		// The single fatal exit: every error below propagates here.
		log.Error().Err(err).Msg("Migration aborted")
		os.Exit(1)
	}
}
