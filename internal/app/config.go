package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/notifications"
	"gilfond_flats/internal/portal"
	"gilfond_flats/internal/priority"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/yaml.v3"
)

// SetupEnvironment loads .env file and configures zerolog output and log level.
// When LOG_FILE is set, JSON logs are also appended to that file.
func SetupEnvironment() {
	// Load .env file if it exists
	err := godotenv.Load()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var console io.Writer
	if os.Getenv("ENV") == "production" {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		console = os.Stderr
	} else {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	var fileErr error
	if path := os.Getenv("LOG_FILE"); path != "" {
		f, ferr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr == nil {
			log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
		} else {
			fileErr = ferr
			log.Logger = log.Output(console)
		}
	} else {
		log.Logger = log.Output(console)
	}

	levelStr := strings.ToLower(os.Getenv("LOGLEVEL"))
	switch levelStr {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "disabled":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	case "":
		if os.Getenv("ENV") == "production" {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		log.Warn().Msgf("Unknown LOGLEVEL '%s', defaulting to info.", levelStr)
	}

	if fileErr != nil {
		log.Warn().Err(fileErr).Msg("Failed to open LOG_FILE, logging to stderr only")
	}

	// wait until now to report on the .env file so we have the chance to set up logging first
	if err == nil {
		log.Debug().Msg("Loaded environment variables from .env file.")
	} else {
		log.Debug().Msg("No .env file found or error loading .env file; proceeding with existing environment variables.")
	}
}

// GetEnvWithDefault fetches an environment variable with a default fallback.
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

type NtfyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Topic    string `yaml:"topic"`
	Priority string `yaml:"priority"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	Range           string `yaml:"range"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Config is built once at startup and handed to every component.
type Config struct {
	Program    string `yaml:"program"`
	CaseNumber string `yaml:"case_number"`
	Password   string `yaml:"password"`
	Rooms      string `yaml:"rooms"`

	SeenTTL        time.Duration `yaml:"seen_ttl"`
	StateDir       string        `yaml:"state_dir"`
	SeenDSN        string        `yaml:"seen_dsn"`
	DiagnosticsDir string        `yaml:"diagnostics_dir"`

	BaseURL   string `yaml:"base_url"`
	Headless  bool   `yaml:"headless"`
	ChromeBin string `yaml:"chrome_bin"`

	MaxRounds int           `yaml:"max_rounds"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	Ntfy     NtfyConfig     `yaml:"ntfy"`
	Telegram TelegramConfig `yaml:"telegram"`
	Sheets   SheetsConfig   `yaml:"sheets"`
}

func DefaultConfig() Config {
	return Config{
		SeenTTL:        7 * 24 * time.Hour,
		StateDir:       "state",
		DiagnosticsDir: "screens",
		BaseURL:        portal.DefaultBaseURL,
		Headless:       true,
		MaxRounds:      priority.DefaultMaxRounds,
		MaxDelay:       3 * time.Second,
		Ntfy: NtfyConfig{
			URL:   "https://ntfy.sh",
			Topic: "gilfond-flats",
		},
		Sheets: SheetsConfig{
			Range:           "Flats!A1",
			CredentialsFile: "credentials.json",
		},
	}
}

// LoadConfig applies the YAML file at path (if any) over the defaults, then
// the environment over both.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("Loaded config file")
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		*dst = GetEnvWithDefault(key, *dst)
	}

	setString("GF_RTY_NAME", &c.Program)
	setString("GF_NUMFILE", &c.CaseNumber)
	setString("GF_PASSWORD", &c.Password)
	setString("GF_NROOMS", &c.Rooms)
	setString("GF_STATE_DIR", &c.StateDir)
	setString("GF_SEEN_DSN", &c.SeenDSN)
	setString("GF_DIAGNOSTICS_DIR", &c.DiagnosticsDir)
	setString("GF_BASE_URL", &c.BaseURL)
	setString("GF_CHROME_BIN", &c.ChromeBin)
	setString("GF_TG_TOKEN", &c.Telegram.Token)
	setString("GF_TG_CHAT_ID", &c.Telegram.ChatID)
	setString("NTFY_URL", &c.Ntfy.URL)
	setString("NTFY_TOPIC", &c.Ntfy.Topic)
	setString("NTFY_PRIORITY", &c.Ntfy.Priority)
	setString("SPREADSHEET_ID", &c.Sheets.SpreadsheetID)
	setString("SPREADSHEET_RANGE", &c.Sheets.Range)
	setString("GOOGLE_CREDENTIALS_FILE", &c.Sheets.CredentialsFile)

	var errs []error
	if v := os.Getenv("GF_SEEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GF_SEEN_TTL: %w", err))
		}
		c.SeenTTL = d
	}
	if v := os.Getenv("GF_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GF_MAX_DELAY: %w", err))
		}
		c.MaxDelay = d
	}
	if v := os.Getenv("GF_MAX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GF_MAX_ROUNDS: %w", err))
		}
		c.MaxRounds = n
	}
	if v := os.Getenv("GF_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GF_HEADLESS: %w", err))
		}
		c.Headless = b
	}
	if v := os.Getenv("NTFY_ENABLED"); v != "" {
		c.Ntfy.Enabled = v == "true"
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Program == "" {
		errs = append(errs, errors.New("GF_RTY_NAME (program) is required"))
	}
	if c.CaseNumber == "" {
		errs = append(errs, errors.New("GF_NUMFILE (case number) is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("GF_PASSWORD is required"))
	}
	if _, err := c.RoomFilter(); err != nil {
		errs = append(errs, fmt.Errorf("GF_NROOMS: %w", err))
	}
	if c.SeenTTL < 0 {
		errs = append(errs, errors.New("seen TTL must not be negative"))
	}
	if c.MaxDelay < 0 {
		errs = append(errs, errors.New("max delay must not be negative"))
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == "" {
		errs = append(errs, errors.New("GF_TG_CHAT_ID is required when GF_TG_TOKEN is set"))
	}
	if c.Ntfy.Enabled && c.Ntfy.Topic == "" {
		errs = append(errs, errors.New("NTFY_TOPIC is required when ntfy is enabled"))
	}
	return errors.Join(errs...)
}

func (c Config) RoomFilter() (discovery.RoomFilter, error) {
	return discovery.ParseRooms(c.Rooms)
}

// SeenLocation is the seen store's DSN, defaulting to a SQLite file in the state dir.
func (c Config) SeenLocation() string {
	if c.SeenDSN != "" {
		return c.SeenDSN
	}
	return filepath.Join(c.StateDir, "seen.db")
}

func (c Config) SessionPath() string {
	return filepath.Join(c.StateDir, "session.json")
}

// Transports builds the configured notification transports.
func (c Config) Transports() []notifications.Transport {
	var ts []notifications.Transport
	if c.Ntfy.Enabled {
		ts = append(ts, notifications.NewNtfy(c.Ntfy.URL, c.Ntfy.Topic, c.Ntfy.Priority))
	}
	if c.Telegram.Token != "" {
		ts = append(ts, notifications.NewTelegram(notifications.DefaultTelegramAPI, c.Telegram.Token, c.Telegram.ChatID))
	}
	return ts
}
