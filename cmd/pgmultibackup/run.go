package main

import (
	"github.com/fgeck/pgmultibackup/internal/config"
	"github.com/fgeck/pgmultibackup/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dump the configured databases",
	Long: `Execute the backup workflow:
1. Wake-on-LAN (if configured)
2. List the server's databases (with --all-databases)
3. Locate pg_dump for the server version
4. Create the backup folder
5. Dump every database; a failed dump does not stop the others
6. SSH shutdown (if configured)
7. Send Telegram notification (if configured)

The command exits non-zero if any database failed.`,
	Example: `  pgmultibackup run -f /srv/backups -d app,gis --password "$PGPASS"
  pgmultibackup run -c pgmultibackup.yaml --all-databases -F directory`,
	RunE: runBackup,
}

func init() {
	config.AddFlags(runCmd.Flags())
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("host", cfg.Request.Connection.Host).
		Str("version", cfg.Request.ServerVersion).
		Str("folder", cfg.Request.TargetFolder).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	result, err := runnerSvc.Run(ctx, *cfg)
	if err != nil {
		log.Error().
			Err(err).
			Int("succeeded", len(result.Succeeded())).
			Int("failed", len(result.Failed())).
			Msg("backup failed")
		return err
	}

	log.Info().
		Int("databases", len(result.Outcomes)).
		Dur("duration", result.Duration).
		Msg("backup completed successfully")
	return nil
}
