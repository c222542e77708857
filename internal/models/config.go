// Package models contains the data structures used throughout pgmultibackup.
package models

// AppConfig holds the complete configuration for a backup run.
type AppConfig struct {
	Request     BackupRequest
	PgDump      PgDumpSettings
	WOL         *WOLConfig         // nil if not configured
	SSHShutdown *SSHShutdownConfig // nil if not configured
	Telegram    *TelegramConfig    // nil if not configured
}

// PgDumpSettings controls how the pg_dump executable is located.
type PgDumpSettings struct {
	Path        string   // explicit executable, checked before any search path
	SearchPaths []string // extra candidates, "{version}" is interpolated
	UsePath     bool     // fall back to pg_dump on $PATH
}
