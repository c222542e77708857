// Package postgres provides PostgreSQL dump operations.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/rs/zerolog"
)

// TimestampLayout formats the timestamp embedded in dump file names (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

// PasswordEnv is the variable pg_dump reads the password from.
const PasswordEnv = "PGPASSWORD"

// Service defines the interface for PostgreSQL dump operations.
type Service interface {
	Dump(ctx context.Context, executable string, req models.BackupRequest, database string) (*models.DumpOutcome, error)
}

// ExecResult is what a finished child process reports back.
type ExecResult struct {
	ExitCode int
	Stderr   string
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) (*ExecResult, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with env appended to the child's environment only.
// A non-zero exit is reported in the result; the error is reserved for commands that could not run.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return &ExecResult{Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecResult{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}, nil
	}

	return nil, fmt.Errorf("failed to run %s: %w", name, err)
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		now:      time.Now,
	}
}

// NewWithExecutor creates a new PostgreSQL service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

// Dump runs pg_dump for one database and reports the outcome.
// A failing dump is stored in outcome.Error.
func (s *Impl) Dump(ctx context.Context, executable string, req models.BackupRequest, database string) (*models.DumpOutcome, error) {
	if strings.ContainsAny(database, `/\`) {
		outcome := &models.DumpOutcome{
			Database: database,
			ExitCode: -1,
			Status:   models.DumpFailed,
			Error:    fmt.Errorf("%w: %s: database name contains a path separator", models.ErrDumpFailed, database),
		}
		s.logger.Error().Err(outcome.Error).Str("database", database).Msgf("error backing up database '%s'", database)
		return outcome, nil
	}

	start := s.now()
	outputPath := filepath.Join(req.TargetFolder, OutputFilename(database, req.Format, start))

	outcome := &models.DumpOutcome{
		Database: database,
		FilePath: outputPath,
		Status:   models.DumpPending,
	}

	args := BuildArgs(req.Connection, req.Format, outputPath, database)

	s.logger.Info().
		Str("database", database).
		Str("command", executable+" "+strings.Join(args, " ")).
		Msg("executing command")

	outcome.Status = models.DumpRunning
	res, err := s.executor.ExecuteWithEnv(ctx, PasswordEnvironment(req.Connection.Password), executable, args...)
	outcome.Duration = time.Since(start)

	if err != nil {
		s.fail(outcome, -1, "", err)
		return outcome, nil //nolint:nilerr // error is stored in outcome struct by design
	}
	if res.ExitCode != 0 {
		s.fail(outcome, res.ExitCode, res.Stderr, fmt.Errorf("%w: %s: pg_dump exited with code %d: %s",
			models.ErrDumpFailed, database, res.ExitCode, strings.TrimSpace(res.Stderr)))
		return outcome, nil
	}

	outcome.Status = models.DumpSucceeded
	outcome.Stderr = res.Stderr
	outcome.SizeBytes = pathSize(outputPath)

	s.logger.Info().
		Str("database", database).
		Str("output", outputPath).
		Int64("size_bytes", outcome.SizeBytes).
		Dur("duration", outcome.Duration).
		Msgf("backup of database '%s' completed successfully", database)

	return outcome, nil
}

func (s *Impl) fail(outcome *models.DumpOutcome, exitCode int, stderr string, err error) {
	outcome.Status = models.DumpFailed
	outcome.ExitCode = exitCode
	outcome.Stderr = stderr
	outcome.Error = err

	// Remove partial output; the directory format leaves a tree behind.
	_ = os.RemoveAll(outcome.FilePath)

	s.logger.Error().
		Err(err).
		Str("database", outcome.Database).
		Int("exit_code", exitCode).
		Str("stderr", strings.TrimSpace(stderr)).
		Msgf("error backing up database '%s'", outcome.Database)
}

// BuildArgs returns the pg_dump argument list. The password is never part of it.
func BuildArgs(conn models.ConnectionConfig, format models.Format, outputPath, database string) []string {
	return []string{
		"-U", conn.Username,
		"-h", conn.Host,
		"-p", strconv.Itoa(conn.Port),
		"-F", FormatCode(format),
		"-f", outputPath,
		database,
	}
}

// PasswordEnvironment returns the extra child environment carrying the password.
func PasswordEnvironment(password string) []string {
	if password == "" {
		return nil
	}
	return []string{PasswordEnv + "=" + password}
}

// FormatCode returns the single-letter pg_dump -F value: p, c or d.
func FormatCode(format models.Format) string {
	if format == "" {
		return "c"
	}
	return string(format)[:1]
}

// Extension returns the file extension for a backup format.
func Extension(format models.Format) string {
	switch format {
	case models.FormatPlain:
		return "sql"
	case models.FormatDirectory:
		return "dir"
	default:
		return "backup"
	}
}

// OutputFilename returns {database}_{YYYYMMDD_HHMMSS}.{ext}.
func OutputFilename(database string, format models.Format, at time.Time) string {
	return fmt.Sprintf("%s_%s.%s", database, at.Format(TimestampLayout), Extension(format))
}

// pathSize returns the size of a dump file, or the summed size of a directory dump.
func pathSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}

	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort size
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
