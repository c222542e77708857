package models

import (
	"fmt"
	"strings"
	"time"
)

// Format is the on-disk representation produced by pg_dump.
type Format string

// Supported backup formats.
const (
	FormatPlain     Format = "plain"
	FormatCustom    Format = "custom"
	FormatDirectory Format = "directory"
)

// Formats lists the accepted backup formats.
var Formats = []Format{FormatPlain, FormatCustom, FormatDirectory}

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

// ServerVersions lists the PostgreSQL versions a pg_dump can be located for.
var ServerVersions = []string{"9.5", "9.6", "10", "11", "12", "13", "14", "15", "16", "17"}

// DefaultServerVersion is used when no version is configured.
const DefaultServerVersion = "15"

// ConnectionConfig holds the PostgreSQL server coordinates.
type ConnectionConfig struct {
	Host     string
	Port     int
	Username string
	Password string // empty means no PGPASSWORD is passed
}

// BackupRequest describes one backup batch. It is built once and not mutated afterwards.
type BackupRequest struct {
	Connection    ConnectionConfig
	ServerVersion string
	TargetFolder  string
	Databases     []string // ignored when AllDatabases is set
	AllDatabases  bool
	Format        Format
}

// Validate checks the request-level invariants that must hold before anything runs.
func (r BackupRequest) Validate() error {
	if strings.TrimSpace(r.TargetFolder) == "" {
		return fmt.Errorf("%w: folder is required", ErrConfiguration)
	}
	if r.AllDatabases {
		return nil
	}
	for _, name := range r.Databases {
		if strings.TrimSpace(name) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: at least one database must be specified", ErrConfiguration)
}

// DumpStatus is the lifecycle state of a single database dump.
type DumpStatus string

// Dump states. Succeeded and failed are terminal.
const (
	DumpPending   DumpStatus = "pending"
	DumpRunning   DumpStatus = "running"
	DumpSucceeded DumpStatus = "succeeded"
	DumpFailed    DumpStatus = "failed"
)

// DumpOutcome holds the result of dumping one database.
type DumpOutcome struct {
	Database  string
	FilePath  string
	ExitCode  int
	Stderr    string
	Status    DumpStatus
	SizeBytes int64
	Duration  time.Duration
	Error     error
}

// Succeeded reports whether the dump finished with exit code 0.
func (o *DumpOutcome) Succeeded() bool {
	return o.Status == DumpSucceeded
}

// BatchResult holds the result of a whole backup run.
type BatchResult struct {
	Databases  []string
	Executable string
	Outcomes   []*DumpOutcome
	StartTime  time.Time
	Duration   time.Duration
}

// Succeeded returns the outcomes of the databases that were dumped.
func (r *BatchResult) Succeeded() []*DumpOutcome {
	var out []*DumpOutcome
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes of the databases whose dump failed.
func (r *BatchResult) Failed() []*DumpOutcome {
	var out []*DumpOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}
