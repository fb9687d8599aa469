package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GF_RTY_NAME", "GF_NUMFILE", "GF_PASSWORD", "GF_NROOMS", "GF_SEEN_TTL",
		"GF_STATE_DIR", "GF_SEEN_DSN", "GF_DIAGNOSTICS_DIR", "GF_BASE_URL", "GF_HEADLESS",
		"GF_CHROME_BIN", "GF_MAX_ROUNDS", "GF_MAX_DELAY", "GF_TG_TOKEN", "GF_TG_CHAT_ID",
		"NTFY_ENABLED", "NTFY_URL", "NTFY_TOPIC", "NTFY_PRIORITY",
		"SPREADSHEET_ID", "SPREADSHEET_RANGE", "GOOGLE_CREDENTIALS_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, filepath.Join("state", "seen.db"), cfg.SeenLocation())
	assert.Equal(t, filepath.Join("state", "session.json"), cfg.SessionPath())
	assert.Empty(t, cfg.Transports())
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
program: "Поручение №11318 Верхнеуслонский район"
case_number: "1111-111111-111111"
password: from-file
rooms: "1,2"
seen_ttl: 48h
max_rounds: 5
telegram:
  token: "123:abc"
  chat_id: "42"
`), 0o600))

	t.Setenv("GF_PASSWORD", "from-env")
	t.Setenv("GF_MAX_DELAY", "1500ms")
	t.Setenv("GF_HEADLESS", "false")
	t.Setenv("NTFY_ENABLED", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "Поручение №11318 Верхнеуслонский район", cfg.Program)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, 48*time.Hour, cfg.SeenTTL)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxDelay)
	assert.Equal(t, 5, cfg.MaxRounds)
	assert.False(t, cfg.Headless)
	assert.Len(t, cfg.Transports(), 2)

	rooms, err := cfg.RoomFilter()
	require.NoError(t, err)
	assert.Equal(t, "1,2", rooms.String())
}

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("GF_TEST_VALUE", "")
	assert.Equal(t, "fallback", GetEnvWithDefault("GF_TEST_VALUE", "fallback"))

	t.Setenv("GF_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvWithDefault("GF_TEST_VALUE", "fallback"))
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GF_SEEN_TTL", "a week")
	t.Setenv("GF_MAX_ROUNDS", "many")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GF_SEEN_TTL")
	assert.Contains(t, err.Error(), "GF_MAX_ROUNDS")
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rooms = "1,x"
	cfg.Telegram.Token = "t"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"GF_RTY_NAME", "GF_NUMFILE", "GF_PASSWORD", "GF_NROOMS", "GF_TG_CHAT_ID"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSeenLocationPrefersDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeenDSN = "postgres://bot@localhost/flats"
	assert.Equal(t, "postgres://bot@localhost/flats", cfg.SeenLocation())
}
