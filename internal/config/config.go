package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Module names accepted in ENABLED_MODULES.
const (
	ModuleLiquidator = "liquidator"
	ModuleOracle     = "oracle"
	ModulePoints     = "points"
)

type Config struct {
	Port           string
	LogLevel       slog.Level
	FrontendOrigin string

	ChainsFile     string
	EnabledChains  []uint64
	EnabledModules []string
	PrivateKeys    map[uint64]string
	RPCOverrides   map[uint64]string

	PointsAPIURL string
	PointsAPIKey string
	PriceAPIURL  string

	Liquidator LiquidatorConfig
	Oracle     OracleConfig
	Points     PointsConfig

	DatabaseURL    string
	RedisURL       string
	RedisPassword  string
	TelegramToken  string
	TelegramChatID int64
}

type LiquidatorConfig struct {
	Interval             time.Duration
	Cooldown             time.Duration
	MinProfitUSD         decimal.Decimal
	MaxLiquidationUSD    decimal.Decimal
	MinCollateralUSD     decimal.Decimal
	LiquidationIncentive decimal.Decimal
	CloseFactor          decimal.Decimal
	MaxGasPriceGwei      decimal.Decimal
	GasLimit             uint64
	WatchAddresses       []string
}

type OracleConfig struct {
	Interval        time.Duration
	TxDelay         time.Duration
	GasLimit        uint64
	MaxGasPriceGwei decimal.Decimal
	ExcludedTokens  map[uint64][]string
}

type PointsConfig struct {
	ScanInterval     time.Duration
	SummaryInterval  time.Duration
	MaxBlocksPerScan uint64
	DailyPointBudget decimal.Decimal
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       parseLevel(envOr("LOG_LEVEL", "info")),
		FrontendOrigin: envOr("FRONTEND_ORIGIN", "*"),
		ChainsFile:     envOr("CHAINS_FILE", "chains.json"),
		EnabledChains:  parseChainIDs(os.Getenv("ENABLED_CHAINS")),
		EnabledModules: splitList(envOr("ENABLED_MODULES", "liquidator,oracle,points")),
		PrivateKeys:    make(map[uint64]string),
		RPCOverrides:   make(map[uint64]string),
		PointsAPIURL:   strings.TrimRight(os.Getenv("POINTS_API_URL"), "/"),
		PointsAPIKey:   os.Getenv("POINTS_API_KEY"),
		PriceAPIURL:    os.Getenv("PRICE_API_URL"),
		Liquidator: LiquidatorConfig{
			Interval:             durationOr("LIQUIDATION_INTERVAL", 30*time.Second),
			Cooldown:             durationOr("LIQUIDATION_COOLDOWN", 5*time.Second),
			MinProfitUSD:         decimalOr("MIN_PROFIT_USD", "10"),
			MaxLiquidationUSD:    decimalOr("MAX_LIQUIDATION_USD", "10000"),
			MinCollateralUSD:     decimalOr("MIN_COLLATERAL_USD", "50"),
			LiquidationIncentive: decimalOr("LIQUIDATION_INCENTIVE", "0.08"),
			CloseFactor:          decimalOr("CLOSE_FACTOR", "0.5"),
			MaxGasPriceGwei:      decimalOr("MAX_GAS_PRICE_GWEI", "50"),
			GasLimit:             uintOr("LIQUIDATION_GAS_LIMIT", 800_000),
			WatchAddresses:       splitList(os.Getenv("WATCH_ADDRESSES")),
		},
		Oracle: OracleConfig{
			Interval:        durationOr("ORACLE_UPDATE_INTERVAL", 10*time.Minute),
			TxDelay:         durationOr("ORACLE_TX_DELAY", 3*time.Second),
			GasLimit:        uintOr("ORACLE_GAS_LIMIT", 150_000),
			MaxGasPriceGwei: decimalOr("MAX_GAS_PRICE_GWEI", "50"),
			ExcludedTokens:  make(map[uint64][]string),
		},
		Points: PointsConfig{
			ScanInterval:     durationOr("POINTS_SCAN_INTERVAL", 15*time.Second),
			SummaryInterval:  durationOr("POINTS_SUMMARY_INTERVAL", time.Hour),
			MaxBlocksPerScan: uintOr("MAX_BLOCKS_PER_SCAN", 2000),
			DailyPointBudget: decimalOr("DAILY_POINT_BUDGET", "10000"),
		},
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: int64(uintOr("TELEGRAM_CHAT_ID", 0)),
	}
	if cfg.PriceAPIURL == "" && cfg.PointsAPIURL != "" {
		cfg.PriceAPIURL = cfg.PointsAPIURL + "/prices"
	}

	for _, id := range cfg.EnabledChains {
		if v := os.Getenv(fmt.Sprintf("RPC_URL_%d", id)); v != "" {
			cfg.RPCOverrides[id] = v
		}
		if v := os.Getenv(fmt.Sprintf("EXCLUDED_TOKENS_%d", id)); v != "" {
			cfg.Oracle.ExcludedTokens[id] = splitList(v)
		}
		key := envOr(fmt.Sprintf("PRIVATE_KEY_%d", id), os.Getenv("PRIVATE_KEY"))
		if key != "" {
			cfg.PrivateKeys[id] = key
		}
	}

	// If Infisical credentials are available, fetch secrets from Infisical
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		loadFromInfisical(&cfg, clientID, clientSecret)
	}

	return cfg
}

func loadFromInfisical(cfg *Config, clientID, clientSecret string) {
	siteURL := envOr("INFISICAL_SITE_URL", "https://app.infisical.com")
	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	envSlug := envOr("INFISICAL_ENV", "prod")

	if projectID == "" {
		slog.Warn("INFISICAL_PROJECT_ID not set, skipping Infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          siteURL,
		AutoTokenRefresh: false,
	})

	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		slog.Error("infisical auth failed", "error", err)
		return
	}

	retrieve := func(key string) (string, bool) {
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			slog.Warn("failed to retrieve secret from infisical", "key", key, "error", err)
			return "", false
		}
		slog.Info("loaded secret from infisical", "key", key)
		return secret.SecretValue, true
	}

	secrets := map[string]*string{
		"POINTS_API_KEY":     &cfg.PointsAPIKey,
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramToken,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
	}
	for key, target := range secrets {
		if *target != "" {
			continue // env var already set, skip
		}
		if v, ok := retrieve(key); ok {
			*target = v
		}
	}

	for _, id := range cfg.EnabledChains {
		if cfg.PrivateKeys[id] != "" {
			continue
		}
		if v, ok := retrieve(fmt.Sprintf("PRIVATE_KEY_%d", id)); ok {
			cfg.PrivateKeys[id] = v
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func uintOr(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func decimalOr(key, fallback string) decimal.Decimal {
	v := envOr(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal, using default", "key", key, "value", v, "default", fallback)
		return decimal.RequireFromString(fallback)
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseChainIDs(s string) []uint64 {
	var ids []uint64
	for _, p := range splitList(s) {
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			slog.Warn("ignoring invalid chain id", "value", p)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
