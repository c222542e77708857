package main

import (
	"fmt"

	"github.com/fgeck/pgmultibackup/internal/config"
	"github.com/fgeck/pgmultibackup/internal/services/catalog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the non-template databases of the server",
	Long:  `Connect to the server's postgres database and print every database --all-databases would dump.`,
	RunE:  listDatabases,
}

func init() {
	config.AddFlags(listCmd.Flags())
}

func listDatabases(cmd *cobra.Command, args []string) error {
	parser, err := newParser(cmd)
	if err != nil {
		return err
	}

	conn, err := parser.LoadConnection(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	names, err := catalog.New(log.Logger).ListDatabases(ctx, conn)
	if err != nil {
		log.Error().Err(err).Str("host", conn.Host).Int("port", conn.Port).Msg("error connecting to PostgreSQL server")
		return err
	}

	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
