// Package locator finds the pg_dump executable for a PostgreSQL server version.
package locator

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/rs/zerolog"
)

// EnvPgDumpPath overrides every other candidate when set.
const EnvPgDumpPath = "PG_DUMP_PATH"

// VersionPlaceholder is replaced by the server version in candidate paths.
const VersionPlaceholder = "{version}"

// DefaultSearchPaths are the well-known installation directories, probed in order.
var DefaultSearchPaths = []string{
	"C:/Program Files/PostgreSQL/{version}/bin/pg_dump.exe",
	"D:/Program Files/PostgreSQL/{version}/bin/pg_dump.exe",
	"C:/Program Files (x86)/PostgreSQL/{version}/bin/pg_dump.exe",
	"D:/Program Files (x86)/PostgreSQL/{version}/bin/pg_dump.exe",
	"/Library/PostgreSQL/{version}/bin/pg_dump",
	"/usr/lib/postgresql/{version}/bin/pg_dump",
}

// Service defines the interface for locating pg_dump.
type Service interface {
	Locate(version string, settings models.PgDumpSettings) (string, error)
}

// FileSystem allows mocking file existence checks in tests.
type FileSystem interface {
	IsFile(path string) bool
	LookPath(name string) (string, error)
	Getenv(key string) string
}

// DefaultFileSystem checks the real filesystem and environment.
type DefaultFileSystem struct{}

// IsFile reports whether path exists and is not a directory.
func (f *DefaultFileSystem) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LookPath searches name in the directories of $PATH.
func (f *DefaultFileSystem) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Getenv reads an environment variable.
func (f *DefaultFileSystem) Getenv(key string) string {
	return os.Getenv(key)
}

// Impl implements the locator Service interface.
type Impl struct {
	fs       FileSystem
	defaults []string
	logger   zerolog.Logger
}

// New creates a new locator service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		fs:       &DefaultFileSystem{},
		defaults: DefaultSearchPaths,
		logger:   logger,
	}
}

// NewWithFileSystem creates a new locator service with a custom filesystem and fallback list (for testing).
func NewWithFileSystem(logger zerolog.Logger, fs FileSystem, defaults []string) *Impl {
	return &Impl{
		fs:       fs,
		defaults: defaults,
		logger:   logger,
	}
}

// Candidates returns the ordered list of paths Locate probes, $PATH excluded.
func (s *Impl) Candidates(version string, settings models.PgDumpSettings) []string {
	var candidates []string
	if env := s.fs.Getenv(EnvPgDumpPath); env != "" {
		candidates = append(candidates, env)
	}
	if settings.Path != "" {
		candidates = append(candidates, settings.Path)
	}
	for _, path := range settings.SearchPaths {
		candidates = append(candidates, interpolate(path, version))
	}
	for _, path := range s.defaults {
		candidates = append(candidates, interpolate(path, version))
	}
	return candidates
}

// Locate returns the first existing candidate, falling back to $PATH when enabled.
func (s *Impl) Locate(version string, settings models.PgDumpSettings) (string, error) {
	for _, candidate := range s.Candidates(version, settings) {
		if s.fs.IsFile(candidate) {
			s.logger.Debug().Str("path", candidate).Str("version", version).Msg("found pg_dump")
			return candidate, nil
		}
		s.logger.Debug().Str("path", candidate).Msg("pg_dump candidate not found")
	}

	if settings.UsePath {
		if path, err := s.fs.LookPath("pg_dump"); err == nil {
			s.logger.Debug().Str("path", path).Msg("found pg_dump on PATH")
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: version %s", models.ErrExecutableNotFound, version)
}

func interpolate(path, version string) string {
	return strings.ReplaceAll(path, VersionPlaceholder, version)
}
