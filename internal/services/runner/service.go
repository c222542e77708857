// Package runner orchestrates a multi-database backup batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/fgeck/pgmultibackup/internal/services/catalog"
	"github.com/fgeck/pgmultibackup/internal/services/locator"
	"github.com/fgeck/pgmultibackup/internal/services/postgres"
	"github.com/fgeck/pgmultibackup/internal/services/ssh"
	"github.com/fgeck/pgmultibackup/internal/services/telegram"
	"github.com/fgeck/pgmultibackup/internal/services/wol"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// FolderPerm is the mode the target folder is created with.
const FolderPerm = 0o750

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.AppConfig) (*models.BatchResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	catalogSvc  catalog.Service
	locatorSvc  locator.Service
	postgresSvc postgres.Service
	wolSvc      wol.Service
	sshSvc      ssh.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		catalogSvc:  catalog.New(logger),
		locatorSvc:  locator.New(logger),
		postgresSvc: postgres.New(logger),
		wolSvc:      wol.New(logger),
		sshSvc:      ssh.New(logger),
		telegramSvc: telegram.New(logger),
		logger:      logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	catalogSvc catalog.Service,
	locatorSvc locator.Service,
	postgresSvc postgres.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		catalogSvc:  catalogSvc,
		locatorSvc:  locatorSvc,
		postgresSvc: postgresSvc,
		wolSvc:      wolSvc,
		sshSvc:      sshSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
	}
}

// Run executes one backup batch. Every database is attempted; dump failures are
// aggregated into the returned error, which then wraps models.ErrDumpFailed.
func (s *Impl) Run(ctx context.Context, cfg models.AppConfig) (*models.BatchResult, error) {
	req := cfg.Request
	result := &models.BatchResult{StartTime: time.Now()}
	var failedStep string
	var runErr error

	s.logger.Info().
		Str("host", req.Connection.Host).
		Int("port", req.Connection.Port).
		Str("folder", req.TargetFolder).
		Str("format", string(req.Format)).
		Bool("all_databases", req.AllDatabases).
		Msg("starting backup run")

	defer func() {
		result.Duration = time.Since(result.StartTime)
		if cfg.Telegram != nil {
			s.sendNotification(ctx, cfg, result, failedStep, runErr)
		}
	}()

	if err := req.Validate(); err != nil {
		failedStep, runErr = "config", err
		return result, runErr
	}

	if cfg.WOL != nil {
		if err := s.runWOL(ctx, cfg.WOL); err != nil {
			failedStep, runErr = "wol", err
			return result, runErr
		}
	}

	failedStep, runErr = s.backup(ctx, cfg, result)

	// The host is awake at this point, power it down whatever the dumps did.
	if cfg.SSHShutdown != nil {
		if err := s.runSSHShutdown(ctx, cfg.SSHShutdown); err != nil && runErr == nil {
			failedStep, runErr = "ssh_shutdown", err
		}
	}

	if runErr != nil {
		return result, runErr
	}

	s.logger.Info().
		Int("databases", len(result.Outcomes)).
		Dur("duration", time.Since(result.StartTime)).
		Msg("backup run completed successfully")

	return result, nil
}

// backup resolves databases and pg_dump, then dumps every database in order.
// It returns the name of the failed step along with the error.
func (s *Impl) backup(ctx context.Context, cfg models.AppConfig, result *models.BatchResult) (string, error) {
	req := cfg.Request

	databases, err := s.ResolveDatabases(ctx, req)
	if err != nil {
		return "discovery", err
	}
	result.Databases = databases

	executable, err := s.locatorSvc.Locate(req.ServerVersion, cfg.PgDump)
	if err != nil {
		s.logger.Error().Err(err).Str("version", req.ServerVersion).Msg("pg_dump executable not found")
		return "locate", err
	}
	result.Executable = executable

	if err := os.MkdirAll(req.TargetFolder, FolderPerm); err != nil {
		return "folder", fmt.Errorf("failed to create backup folder %s: %w", req.TargetFolder, err)
	}

	var dumpErrs *multierror.Error
	for _, database := range databases {
		if err := ctx.Err(); err != nil {
			dumpErrs = multierror.Append(dumpErrs, err)
			break
		}

		outcome, err := s.postgresSvc.Dump(ctx, executable, req, database)
		if err != nil {
			outcome = &models.DumpOutcome{
				Database: database,
				ExitCode: -1,
				Status:   models.DumpFailed,
				Error:    fmt.Errorf("%w: %s: %w", models.ErrDumpFailed, database, err),
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Error != nil {
			dumpErrs = multierror.Append(dumpErrs, outcome.Error)
		}
	}

	err = dumpErrs.ErrorOrNil()
	if err == nil {
		return "", nil
	}

	s.logger.Error().
		Int("failed", len(result.Failed())).
		Int("succeeded", len(result.Succeeded())).
		Msg("backup run finished with failures")

	if !errors.Is(err, models.ErrDumpFailed) {
		err = fmt.Errorf("%w: %w", models.ErrDumpFailed, err)
	}
	return "dump", err
}

// ResolveDatabases returns the databases a request targets, listing the server when it asks for all of them.
func (s *Impl) ResolveDatabases(ctx context.Context, req models.BackupRequest) ([]string, error) {
	if !req.AllDatabases {
		return normalize(req.Databases), nil
	}

	names, err := s.catalogSvc.ListDatabases(ctx, req.Connection)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("host", req.Connection.Host).
			Int("port", req.Connection.Port).
			Msg("error connecting to PostgreSQL server")
		return nil, fmt.Errorf("%w: %w", models.ErrDiscovery, err)
	}

	names = normalize(names)
	if len(names) == 0 {
		s.logger.Error().Str("host", req.Connection.Host).Msg("no databases found on server")
		return nil, fmt.Errorf("%w: server %s has no non-template databases", models.ErrDiscovery, req.Connection.Host)
	}
	s.logger.Info().Strs("databases", names).Msg("databases found on server")

	return names, nil
}

// normalize trims names and drops blanks and duplicates, keeping order.
func normalize(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("probe", cfg.ProbeAddress).
		Msg("sending Wake-on-LAN packet")

	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}
	if !result.TargetReady && cfg.ProbeAddress != "" {
		return fmt.Errorf("WOL failed: %s did not become ready", cfg.ProbeAddress)
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) runSSHShutdown(ctx context.Context, cfg *models.SSHShutdownConfig) error {
	result, err := s.sshSvc.Shutdown(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("SSH shutdown failed: %w", err)
	}
	if result.Error != nil && !result.CommandRun {
		s.logger.Error().Err(result.Error).Str("host", cfg.Host).Msg("SSH shutdown failed")
		return fmt.Errorf("SSH shutdown failed: %w", result.Error)
	}

	s.logger.Info().
		Bool("command_run", result.CommandRun).
		Str("output", strings.TrimSpace(result.Output)).
		Msg("SSH shutdown command sent")

	return nil
}

func (s *Impl) sendNotification(
	ctx context.Context,
	cfg models.AppConfig,
	batch *models.BatchResult,
	failedStep string,
	runErr error,
) {
	msg := models.TelegramMessage{
		Success:   runErr == nil,
		Host:      cfg.Request.Connection.Host,
		Folder:    cfg.Request.TargetFolder,
		Format:    cfg.Request.Format,
		StartTime: batch.StartTime,
		Duration:  batch.Duration,
	}

	for _, o := range batch.Succeeded() {
		msg.Succeeded = append(msg.Succeeded, o.Database)
		msg.TotalBytes += o.SizeBytes
	}
	for _, o := range batch.Failed() {
		msg.Failed = append(msg.Failed, models.FailedDump{
			Database: o.Database,
			ExitCode: o.ExitCode,
			Stderr:   o.Stderr,
		})
	}

	// Per-database details already describe dump failures.
	if runErr != nil && failedStep != "dump" {
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	// Deliver even if the run itself was cancelled.
	ctx = context.WithoutCancel(ctx)

	result, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
