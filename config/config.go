package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del copiador.
type Config struct {
	Venue      VenueConfig      `yaml:"venue"`
	Chain      ChainConfig      `yaml:"chain"`
	Storage    StorageConfig    `yaml:"storage"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Settlement SettlementConfig `yaml:"settlement"`
	Risk       RiskSection      `yaml:"risk"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Log        LogConfig        `yaml:"log"`
}

// VenueConfig contiene el endpoint del CLOB y la clave de firma. La clave
// privada nunca va en el YAML: solo POLYGON_PRIVATE_KEY en el entorno.
type VenueConfig struct {
	CLOBBase   string `yaml:"clob_base"`
	PrivateKey string `yaml:"-"`
	// MarketTTLSeconds acota cuánto vive un snapshot de mercado en caché.
	MarketTTLSeconds int `yaml:"market_ttl_seconds"`
}

// ChainConfig configura la lectura de balances on-chain para el reporte.
// Opcional: sin rpc_url el reporte omite el balance del wallet.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	Account string `yaml:"account"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// ExecutorConfig controla el ciclo de ejecución de órdenes.
type ExecutorConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	SignalWindowMinutes   int `yaml:"signal_window_minutes"`
	MaxParallel           int `yaml:"max_parallel"`
	ResolveRetries        int `yaml:"resolve_retries"`
	ResolveBackoffMs      int `yaml:"resolve_backoff_ms"`
	PriceStalenessSeconds int `yaml:"price_staleness_seconds"`
}

// ReconcilerConfig controla el ciclo de reconciliación contra el venue.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchLimit      int `yaml:"batch_limit"`
}

// SettlementConfig controla el ciclo de liquidación de mercados resueltos.
type SettlementConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// CancelFeeRate se aplica sobre el remanente de una orden cancelada y se
	// registra como pérdida realizada. 0 = sin fee.
	CancelFeeRate float64 `yaml:"cancel_fee_rate"`
}

// RiskSection agrupa los presets de riesgo con nombre. Un preset se asigna a
// cada estrategia por nombre y puede recargarse en caliente (ver Watch).
type RiskSection struct {
	DefaultPreset string                `yaml:"default_preset"`
	Presets       map[string]RiskPreset `yaml:"presets"`
}

// RiskPreset son los límites de riesgo de una estrategia, tal como se
// escriben en YAML. Cero significa "sin límite" salvo donde se indique.
type RiskPreset struct {
	MaxDrawdownPct         float64 `yaml:"max_drawdown_pct"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	MaxPositionSize        float64 `yaml:"max_position_size"`
	MaxExposure            float64 `yaml:"max_exposure"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	CooldownMinutes        int     `yaml:"cooldown_minutes"`
}

// StrategyConfig declara una estrategia a sembrar en el storage al arrancar.
// Las estrategias ya existentes no se tocan: el ledger manda, no el YAML.
type StrategyConfig struct {
	ID                string  `yaml:"id"`
	Name              string  `yaml:"name"`
	Account           string  `yaml:"account"` // trader origen a copiar
	InitialCapital    float64 `yaml:"initial_capital"`
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
	OrderPolicy       string  `yaml:"order_policy"` // IOC | REST
	RiskPreset        string  `yaml:"risk_preset"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML para las keys que
// correspondan; los secretos (clave privada) solo se aceptan por entorno.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return &cfg, nil
}

// ExecutorInterval devuelve el intervalo del ciclo de ejecución.
func (c *Config) ExecutorInterval() time.Duration {
	return time.Duration(c.Executor.IntervalSeconds) * time.Second
}

// ReconcilerInterval devuelve el intervalo del ciclo de reconciliación.
func (c *Config) ReconcilerInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// SettlementInterval devuelve el intervalo del ciclo de liquidación.
func (c *Config) SettlementInterval() time.Duration {
	return time.Duration(c.Settlement.IntervalSeconds) * time.Second
}

// SignalWindow devuelve la ventana de recencia de señales.
func (c *Config) SignalWindow() time.Duration {
	return time.Duration(c.Executor.SignalWindowMinutes) * time.Minute
}

// ResolveBackoff devuelve el backoff base de resolución de tokens.
func (c *Config) ResolveBackoff() time.Duration {
	return time.Duration(c.Executor.ResolveBackoffMs) * time.Millisecond
}

// PriceStaleness devuelve la antigüedad máxima aceptable de un precio.
func (c *Config) PriceStaleness() time.Duration {
	return time.Duration(c.Executor.PriceStalenessSeconds) * time.Second
}

// MarketTTL devuelve el TTL de la caché de mercados.
func (c *Config) MarketTTL() time.Duration {
	return time.Duration(c.Venue.MarketTTLSeconds) * time.Second
}

// PresetFor devuelve el preset de riesgo asignado a la estrategia, cayendo
// al default si no declara uno.
func (c *Config) PresetFor(sc StrategyConfig) (RiskPreset, error) {
	name := sc.RiskPreset
	if name == "" {
		name = c.Risk.DefaultPreset
	}
	p, ok := c.Risk.Presets[name]
	if !ok {
		return RiskPreset{}, fmt.Errorf("config: strategy %q references unknown risk preset %q", sc.ID, name)
	}
	return p, nil
}

// Cooldown devuelve el hold de cooldown del preset como time.Duration.
func (p RiskPreset) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLYGON_PRIVATE_KEY"); v != "" {
		cfg.Venue.PrivateKey = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Venue.CLOBBase == "" {
		cfg.Venue.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.Venue.MarketTTLSeconds <= 0 {
		cfg.Venue.MarketTTLSeconds = 10
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polycopy.db"
	}
	if cfg.Executor.IntervalSeconds <= 0 {
		cfg.Executor.IntervalSeconds = 30
	}
	if cfg.Executor.SignalWindowMinutes <= 0 {
		cfg.Executor.SignalWindowMinutes = 120
	}
	if cfg.Executor.MaxParallel <= 0 {
		cfg.Executor.MaxParallel = 4
	}
	if cfg.Executor.ResolveRetries <= 0 {
		cfg.Executor.ResolveRetries = 3
	}
	if cfg.Executor.ResolveBackoffMs <= 0 {
		cfg.Executor.ResolveBackoffMs = 500
	}
	if cfg.Executor.PriceStalenessSeconds <= 0 {
		cfg.Executor.PriceStalenessSeconds = 30
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 60
	}
	if cfg.Reconciler.BatchLimit <= 0 {
		cfg.Reconciler.BatchLimit = 50
	}
	if cfg.Settlement.IntervalSeconds <= 0 {
		cfg.Settlement.IntervalSeconds = 300
	}
	if cfg.Risk.DefaultPreset == "" {
		cfg.Risk.DefaultPreset = "conservative"
	}
	if cfg.Risk.Presets == nil {
		cfg.Risk.Presets = map[string]RiskPreset{}
	}
	if _, ok := cfg.Risk.Presets["conservative"]; !ok {
		cfg.Risk.Presets["conservative"] = RiskPreset{
			MaxDrawdownPct:         0.20,
			MaxDailyLoss:           50,
			MaxPositionSize:        100,
			MaxExposure:            500,
			MaxConcurrentPositions: 5,
			CooldownMinutes:        30,
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// validate rechaza configuraciones que arrancarían un proceso roto.
func (c *Config) validate() error {
	for i, sc := range c.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategies[%d]: id is required", i)
		}
		if sc.InitialCapital <= 0 {
			return fmt.Errorf("strategy %q: initial_capital must be > 0", sc.ID)
		}
		switch sc.OrderPolicy {
		case "", "IOC", "REST":
		default:
			return fmt.Errorf("strategy %q: order_policy must be IOC or REST, got %q", sc.ID, sc.OrderPolicy)
		}
		if sc.SlippageTolerance < 0 || sc.SlippageTolerance >= 1 {
			return fmt.Errorf("strategy %q: slippage_tolerance must be in [0,1)", sc.ID)
		}
		if _, err := c.PresetFor(sc); err != nil {
			return err
		}
	}
	for name, p := range c.Risk.Presets {
		if p.MaxDrawdownPct < 0 || p.MaxDrawdownPct >= 1 {
			return fmt.Errorf("risk preset %q: max_drawdown_pct must be in [0,1)", name)
		}
	}
	if c.Settlement.CancelFeeRate < 0 || c.Settlement.CancelFeeRate >= 1 {
		return fmt.Errorf("settlement.cancel_fee_rate must be in [0,1)")
	}
	return nil
}
