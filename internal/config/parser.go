// Package config provides configuration parsing from file, environment and flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/pgmultibackup/internal/models"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the parser, e.g. PGMB_POSTGRES_HOST.
const EnvPrefix = "PGMB"

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"host":          "postgres.host",
	"port":          "postgres.port",
	"user":          "postgres.username",
	"password":      "postgres.password",
	"pg-version":    "postgres.version",
	"folder":        "backup.folder",
	"databases":     "backup.databases",
	"all-databases": "backup.all_databases",
	"format":        "backup.format",
	"pg-dump":       "pg_dump.path",
}

// Parser handles configuration parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PGMB_POSTGRES_PASSWORD="" supplies an empty password.
	v.AllowEmptyEnv(true)
	v.SetDefault("pg_dump.use_path", true)
	return &Parser{v: v}
}

// AddFlags registers the backup request flags on a flag set.
func AddFlags(flags *pflag.FlagSet) {
	flags.String("host", "localhost", "PostgreSQL host")
	flags.Int("port", 5432, "PostgreSQL port")
	flags.String("user", "postgres", "PostgreSQL user")
	flags.String("password", "", "PostgreSQL password (prefer PGMB_POSTGRES_PASSWORD)")
	flags.String("pg-version", models.DefaultServerVersion, "PostgreSQL server version, used to locate pg_dump")
	flags.StringP("folder", "f", "", "folder to save backups in")
	flags.StringP("databases", "d", "", "database names, comma-separated")
	flags.Bool("all-databases", false, "back up every non-template database on the server")
	flags.StringP("format", "F", string(models.FormatCustom), "backup format: plain, custom or directory")
	flags.String("pg-dump", "", "explicit path to the pg_dump executable")
}

// BindFlags binds flags registered with AddFlags so they override file and environment values.
func (p *Parser) BindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := p.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file at path and parses the merged configuration.
func (p *Parser) Load(path string) (*models.AppConfig, error) {
	if path == "" {
		return p.parse()
	}
	return p.LoadFile(path)
}

// LoadConnection reads the optional config file at path and parses only the
// PostgreSQL connection, for commands that do not write backups.
func (p *Parser) LoadConnection(path string) (models.ConnectionConfig, error) {
	if path != "" {
		p.v.SetConfigFile(path)
		if err := p.v.ReadInConfig(); err != nil {
			return models.ConnectionConfig{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return p.connection()
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{}

	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	cfg.Request.Connection = conn

	cfg.Request.ServerVersion = p.v.GetString("postgres.version")
	if cfg.Request.ServerVersion == "" {
		cfg.Request.ServerVersion = models.DefaultServerVersion
	}
	if !isServerVersion(cfg.Request.ServerVersion) {
		return nil, configErr("postgres.version must be one of: %s", strings.Join(models.ServerVersions, ", "))
	}

	// Backup settings.
	folder, err := homedir.Expand(p.expandEnv(p.v.GetString("backup.folder")))
	if err != nil {
		return nil, configErr("backup.folder: %v", err)
	}
	cfg.Request.TargetFolder = folder
	cfg.Request.AllDatabases = p.v.GetBool("backup.all_databases")
	if !cfg.Request.AllDatabases {
		cfg.Request.Databases = p.databases()
	}

	cfg.Request.Format = models.Format(p.v.GetString("backup.format"))
	if cfg.Request.Format == "" {
		cfg.Request.Format = models.FormatCustom
	}
	if !cfg.Request.Format.Valid() {
		return nil, configErr("backup.format must be one of: plain, custom, directory")
	}

	if err := cfg.Request.Validate(); err != nil {
		return nil, err
	}

	// pg_dump lookup.
	cfg.PgDump = models.PgDumpSettings{
		Path:    p.expandEnv(p.v.GetString("pg_dump.path")),
		UsePath: p.v.GetBool("pg_dump.use_path"),
	}
	for _, path := range p.v.GetStringSlice("pg_dump.search_paths") {
		cfg.PgDump.SearchPaths = append(cfg.PgDump.SearchPaths, p.expandEnv(path))
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			ProbeAddress:  p.v.GetString("wol.probe_address"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, configErr("wol.mac_address is required when wol is configured")
		}

		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.ProbeAddress == "" {
			cfg.WOL.ProbeAddress = fmt.Sprintf("%s:%d", cfg.Request.Connection.Host, cfg.Request.Connection.Port)
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional SSH shutdown config.
	if p.v.IsSet("ssh_shutdown") { //nolint:nestif // config parsing with defaults
		cfg.SSHShutdown = &models.SSHShutdownConfig{
			Host:          p.v.GetString("ssh_shutdown.host"),
			Port:          p.v.GetInt("ssh_shutdown.port"),
			Username:      p.v.GetString("ssh_shutdown.username"),
			KeyPath:       p.expandEnv(p.v.GetString("ssh_shutdown.key_path")),
			ShutdownDelay: p.v.GetInt("ssh_shutdown.shutdown_delay"),
			OS:            p.v.GetString("ssh_shutdown.os"),
		}

		if cfg.SSHShutdown.Host == "" {
			cfg.SSHShutdown.Host = cfg.Request.Connection.Host
		}
		if cfg.SSHShutdown.Port == 0 {
			cfg.SSHShutdown.Port = 22
		}
		if cfg.SSHShutdown.Username == "" {
			cfg.SSHShutdown.Username = "root"
		}
		if cfg.SSHShutdown.KeyPath == "" {
			return nil, configErr("ssh_shutdown.key_path is required when ssh_shutdown is configured")
		}
		if cfg.SSHShutdown.ShutdownDelay == 0 {
			cfg.SSHShutdown.ShutdownDelay = 1
		}
		if cfg.SSHShutdown.OS == "" {
			cfg.SSHShutdown.OS = "linux"
		}
		if cfg.SSHShutdown.OS != "linux" && cfg.SSHShutdown.OS != "windows" {
			return nil, configErr("ssh_shutdown.os must be one of: linux, windows")
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, configErr("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, configErr("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

// connection parses the postgres section. The password key is required, its value may be empty.
func (p *Parser) connection() (models.ConnectionConfig, error) {
	conn := models.ConnectionConfig{
		Host:     p.expandEnv(p.v.GetString("postgres.host")),
		Port:     p.v.GetInt("postgres.port"),
		Username: p.expandEnv(p.v.GetString("postgres.username")),
		Password: p.expandEnv(p.v.GetString("postgres.password")),
	}

	if conn.Host == "" {
		conn.Host = "localhost"
	}
	if conn.Port == 0 {
		conn.Port = 5432
	}
	if conn.Username == "" {
		conn.Username = "postgres"
	}
	if !p.v.IsSet("postgres.password") {
		return conn, configErr("postgres.password must be supplied (it may be empty)")
	}

	return conn, nil
}

// databases accepts both a comma-separated string and a YAML list.
func (p *Parser) databases() []string {
	var raw []string
	switch value := p.v.Get("backup.databases").(type) {
	case nil:
	case string:
		raw = []string{value}
	default:
		raw = p.v.GetStringSlice("backup.databases")
	}
	return SplitDatabases(raw...)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// SplitDatabases splits comma-separated database lists, trimming names and
// dropping blanks and duplicates while keeping the first occurrence order.
func SplitDatabases(values ...string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func isServerVersion(version string) bool {
	for _, v := range models.ServerVersions {
		if v == version {
			return true
		}
	}
	return false
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrConfiguration, fmt.Sprintf(format, args...))
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return configErr("configuration is nil")
	}

	if err := cfg.Request.Validate(); err != nil {
		return err
	}

	if !cfg.Request.Format.Valid() {
		return configErr("backup.format must be one of: plain, custom, directory")
	}

	if cfg.Request.Connection.Port <= 0 || cfg.Request.Connection.Port > 65535 {
		return configErr("postgres.port %d is out of range", cfg.Request.Connection.Port)
	}

	return nil
}
