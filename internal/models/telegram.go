package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// FailedDump is a failed database as shown in a notification.
type FailedDump struct {
	Database string
	ExitCode int
	Stderr   string
}

// TelegramMessage holds the data for a batch notification.
type TelegramMessage struct {
	Success   bool
	Host      string
	Folder    string
	Format    Format
	StartTime time.Time
	Duration  time.Duration

	Succeeded  []string
	Failed     []FailedDump
	TotalBytes int64

	// Set when the run aborted before or outside the dump loop.
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
