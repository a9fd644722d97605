package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/harborfi/ledgerd/internal/types"
)

// Config carries every runtime setting for the daemon. It is loaded once at
// startup and passed explicitly to the components that need it; nothing reads
// the environment after Load returns.
type Config struct {
	// Mode selects live (Postgres, chain reads) or dry-run (in-memory stores).
	Mode string

	LogLevel string
	LogFile  string
	WebPort  int

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Chain access
	RPCEndpoint   string
	AssetDecimals int32

	// Vault registry: contract address -> vault type.
	Vaults map[string]types.VaultType

	// Allocation targets per vault.
	AllocationTargets []types.VaultTargets

	DriftThresholdBp  int64
	ReconcileInterval time.Duration

	IngestWorkers int
}

const (
	ModeLive   = "live"
	ModeDryRun = "dry-run"
)

// Load reads configuration from the environment, with .env as a convenience
// overlay for local development.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env is optional; real environments set variables directly.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		Mode:              getEnvString("LEDGERD_MODE", ModeDryRun),
		LogLevel:          getEnvString("LOG_LEVEL", "info"),
		LogFile:           getEnvString("LOG_FILE", ""),
		WebPort:           getEnvInt("WEB_PORT", 8080),
		DBHost:            getEnvString("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnvString("DB_USER", "ledgerd"),
		DBPassword:        getEnvString("DB_PASSWORD", ""),
		DBName:            getEnvString("DB_NAME", "ledgerd"),
		DBSSLMode:         getEnvString("DB_SSLMODE", "disable"),
		RPCEndpoint:       getEnvString("RPC_ENDPOINT", ""),
		AssetDecimals:     int32(getEnvInt("ASSET_DECIMALS", 6)),
		DriftThresholdBp:  int64(getEnvInt("DRIFT_THRESHOLD_BP", 500)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		IngestWorkers:     getEnvInt("INGEST_WORKERS", 4),
	}

	if cfg.Mode != ModeLive && cfg.Mode != ModeDryRun {
		return nil, fmt.Errorf("LEDGERD_MODE must be %q or %q, got %q", ModeLive, ModeDryRun, cfg.Mode)
	}
	if cfg.Mode == ModeLive && cfg.RPCEndPointMissing() {
		return nil, fmt.Errorf("RPC_ENDPOINT is required in live mode")
	}
	if cfg.IngestWorkers < 1 {
		return nil, fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", cfg.IngestWorkers)
	}
	if cfg.DriftThresholdBp <= 0 || cfg.DriftThresholdBp >= types.TotalWeightBp {
		return nil, fmt.Errorf("DRIFT_THRESHOLD_BP must be in (0, %d), got %d", types.TotalWeightBp, cfg.DriftThresholdBp)
	}

	vaults, err := parseVaults(getEnvString("VAULTS", ""))
	if err != nil {
		return nil, err
	}
	if len(vaults) == 0 {
		return nil, fmt.Errorf("VAULTS must list at least one vault as address:type")
	}
	cfg.Vaults = vaults

	targets, err := parseAllocationTargets(getEnvString("ALLOCATION_TARGETS", ""))
	if err != nil {
		return nil, err
	}
	for _, vt := range targets {
		if _, ok := vaults[types.NormalizeAddress(vt.VaultAddress)]; !ok {
			return nil, fmt.Errorf("ALLOCATION_TARGETS references unknown vault %s", vt.VaultAddress)
		}
	}
	cfg.AllocationTargets = targets

	return cfg, nil
}

// RPCEndPointMissing reports whether the chain endpoint is unset.
func (c *Config) RPCEndPointMissing() bool {
	return strings.TrimSpace(c.RPCEndpoint) == ""
}

// parseVaults parses "0xabc:conservative,0xdef:aggressive".
func parseVaults(raw string) (map[string]types.VaultType, error) {
	vaults := make(map[string]types.VaultType)
	if strings.TrimSpace(raw) == "" {
		return vaults, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid VAULTS entry %q, want address:type", entry)
		}
		addr := types.NormalizeAddress(parts[0])
		vaultType, err := types.ParseVaultType(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid VAULTS entry %q: %w", entry, err)
		}
		if _, dup := vaults[addr]; dup {
			return nil, fmt.Errorf("duplicate vault address %s in VAULTS", addr)
		}
		vaults[addr] = vaultType
	}
	return vaults, nil
}

// allocationTargetsEnv is the JSON shape of ALLOCATION_TARGETS:
// [{"vault":"0xabc","targets":[{"strategy":"aave-v3","weightBp":6000},...]}]
type allocationTargetsEnv []struct {
	Vault   string `json:"vault"`
	Targets []struct {
		Strategy string `json:"strategy"`
		WeightBp int64  `json:"weightBp"`
	} `json:"targets"`
}

func parseAllocationTargets(raw string) ([]types.VaultTargets, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var env allocationTargetsEnv
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to parse ALLOCATION_TARGETS: %w", err)
	}
	out := make([]types.VaultTargets, 0, len(env))
	for _, entry := range env {
		vt := types.VaultTargets{VaultAddress: types.NormalizeAddress(entry.Vault)}
		for _, t := range entry.Targets {
			vt.Targets = append(vt.Targets, types.AllocationTarget{
				StrategyID: t.Strategy,
				WeightBp:   t.WeightBp,
			})
		}
		out = append(out, vt)
	}
	return out, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
