package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"kis-autotrader/pkg/exchanges/common"
)

// Env holds process-level settings read from the environment (optionally via .env).
type Env struct {
	DataDir       string
	SettingsPath  string
	Modes         []common.Mode
	JournalDBPath string
	// MetricsAddr maps a mode to its /metrics listen address; empty disables.
	MetricsAddr map[common.Mode]string
}

// LoadEnv reads environment variables into Env.
func LoadEnv() *Env {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	env := &Env{
		DataDir:       dataDir,
		SettingsPath:  getEnv("SETTINGS_PATH", "./config/settings.yaml"),
		JournalDBPath: getEnv("JOURNAL_DB_PATH", filepath.Join(dataDir, "order_journal.db")),
		MetricsAddr:   make(map[common.Mode]string),
	}
	for _, m := range splitAndTrim(getEnv("MODES", "mock,real")) {
		mode := common.Mode(strings.ToLower(m))
		if mode.Valid() {
			env.Modes = append(env.Modes, mode)
		}
	}
	for _, mode := range []common.Mode{common.ModeMock, common.ModeReal} {
		if addr := os.Getenv("METRICS_ADDR_" + strings.ToUpper(string(mode))); addr != "" {
			env.MetricsAddr[mode] = addr
		}
	}
	return env
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
