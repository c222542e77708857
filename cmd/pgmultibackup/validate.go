package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fgeck/pgmultibackup/internal/config"
	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/fgeck/pgmultibackup/internal/services/locator"
	"github.com/fgeck/pgmultibackup/internal/services/runner"
	"github.com/fgeck/pgmultibackup/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var probe bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and locate pg_dump",
	Long: `Validate the configuration without dumping anything and show which pg_dump
would be used. With --probe, also connect to the PostgreSQL server (and the SSH
shutdown host, if configured) to check credentials.`,
	RunE: validateConfig,
}

func init() {
	config.AddFlags(validateCmd.Flags())
	validateCmd.Flags().BoolVar(&probe, "probe", false, "connect to PostgreSQL and the SSH host to check credentials")
}

//nolint:gocyclo // printing a summary of every optional section
func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req := cfg.Request
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration is valid!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Summary:")
	fmt.Fprintf(out, "  Server: %s@%s:%d\n", req.Connection.Username, req.Connection.Host, req.Connection.Port)
	fmt.Fprintf(out, "  Password: %s\n", passwordState(req.Connection.Password))
	fmt.Fprintf(out, "  PostgreSQL version: %s\n", req.ServerVersion)
	fmt.Fprintf(out, "  Folder: %s\n", req.TargetFolder)
	fmt.Fprintf(out, "  Format: %s\n", req.Format)
	if req.AllDatabases {
		fmt.Fprintln(out, "  Databases: all non-template databases")
	} else {
		fmt.Fprintf(out, "  Databases: %s\n", strings.Join(req.Databases, ", "))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "pg_dump Candidates:")
	loc := locator.New(log.Logger)
	for _, candidate := range loc.Candidates(req.ServerVersion, cfg.PgDump) {
		fmt.Fprintf(out, "  %s\n", candidate)
	}
	if cfg.PgDump.UsePath {
		fmt.Fprintln(out, "  (then pg_dump on PATH)")
	}

	executable, locateErr := loc.Locate(req.ServerVersion, cfg.PgDump)
	if locateErr != nil {
		fmt.Fprintf(out, "  Resolved: not found\n")
	} else {
		fmt.Fprintf(out, "  Resolved: %s\n", executable)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Optional Features:")
	fmt.Fprintf(out, "  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Fprintf(out, "  SSH Shutdown: %v\n", cfg.SSHShutdown != nil)
	fmt.Fprintf(out, "  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.WOL != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "WOL Configuration:")
		fmt.Fprintf(out, "  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Fprintf(out, "  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		fmt.Fprintf(out, "  Probe Address: %s\n", cfg.WOL.ProbeAddress)
		fmt.Fprintf(out, "  Timeout: %s\n", cfg.WOL.Timeout)
	}

	if cfg.SSHShutdown != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "SSH Shutdown Configuration:")
		fmt.Fprintf(out, "  Host: %s\n", cfg.SSHShutdown.Host)
		fmt.Fprintf(out, "  Port: %d\n", cfg.SSHShutdown.Port)
		fmt.Fprintf(out, "  Username: %s\n", cfg.SSHShutdown.Username)
		fmt.Fprintf(out, "  OS: %s\n", cfg.SSHShutdown.OS)
		fmt.Fprintf(out, "  Shutdown Delay: %d minute(s)\n", cfg.SSHShutdown.ShutdownDelay)
	}

	if cfg.Telegram != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Telegram Configuration:")
		fmt.Fprintf(out, "  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Fprintln(out, "  Bot Token: (configured)")
	}

	if locateErr != nil {
		log.Error().Err(locateErr).Str("version", req.ServerVersion).Msg("pg_dump executable not found")
	}

	if !probe {
		return locateErr
	}

	ctx, cancel := signalContext()
	defer cancel()

	return errors.Join(locateErr, probeServices(ctx, cmd, cfg))
}

func probeServices(ctx context.Context, cmd *cobra.Command, cfg *models.AppConfig) error {
	out := cmd.OutOrStdout()
	var errs []error

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Probes:")

	// Explicit lists are probed too, so connectivity is always checked against the catalog.
	probeReq := cfg.Request
	probeReq.AllDatabases = true
	databases, err := runner.New(log.Logger).ResolveDatabases(ctx, probeReq)
	if err != nil {
		fmt.Fprintf(out, "  PostgreSQL: FAILED (%v)\n", err)
		errs = append(errs, err)
	} else {
		fmt.Fprintf(out, "  PostgreSQL: OK (%d databases)\n", len(databases))
		for _, name := range missingDatabases(cfg.Request, databases) {
			fmt.Fprintf(out, "    warning: database %q does not exist on the server\n", name)
		}
	}

	if cfg.SSHShutdown != nil {
		result, err := ssh.New(log.Logger).TestConnection(ctx, *cfg.SSHShutdown)
		if err == nil {
			err = result.Error
		}
		if err != nil {
			fmt.Fprintf(out, "  SSH: FAILED (%v)\n", err)
			errs = append(errs, fmt.Errorf("SSH probe failed: %w", err))
		} else {
			fmt.Fprintln(out, "  SSH: OK")
		}
	}

	return errors.Join(errs...)
}

// missingDatabases returns the requested databases absent from the server.
func missingDatabases(req models.BackupRequest, existing []string) []string {
	if req.AllDatabases {
		return nil
	}
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}
	var missing []string
	for _, name := range req.Databases {
		if !known[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func passwordState(password string) string {
	if password == "" {
		return "(empty, PGPASSWORD not set)"
	}
	return "(configured)"
}
