package models

import "errors"

// Error classes of a backup run. Callers match them with errors.Is.
var (
	ErrConfiguration      = errors.New("invalid configuration")
	ErrDiscovery          = errors.New("no databases found or failed to connect")
	ErrExecutableNotFound = errors.New("could not find pg_dump executable for the specified PostgreSQL version")
	ErrDumpFailed         = errors.New("database dump failed")
)
