package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"roma/risk"
)

// LLMConfig configures the reasoning source for one agent
type LLMConfig struct {
	Provider       string  `json:"provider"` // "deepseek", "qwen", "groq", or "custom"
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url,omitempty"` // required for "custom", OpenAI-format endpoint
	Model          string  `json:"model,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// ExchangeConfig configures the venue account for one agent
type ExchangeConfig struct {
	Venue string `json:"venue"` // "binance", "hyperliquid", "aster", or "paper"

	// Binance
	APIKeyEnv string `json:"api_key_env,omitempty"`
	SecretEnv string `json:"secret_env,omitempty"`

	// Hyperliquid / Aster (EVM wallets)
	PrivateKeyEnv string `json:"private_key_env,omitempty"`
	WalletEnv     string `json:"wallet_env,omitempty"` // main wallet address env (aster user / hl account)
	SignerEnv     string `json:"signer_env,omitempty"` // aster API wallet address env

	Testnet bool `json:"testnet,omitempty"`
}

// AgentConfig configuration for a single trading agent
type AgentConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	LLM      LLMConfig      `json:"llm"`
	Exchange ExchangeConfig `json:"exchange"`

	Symbols         []string    `json:"symbols,omitempty"` // empty = default pool
	IntervalMinutes float64     `json:"interval_minutes"`
	InitialBalance  float64     `json:"initial_balance"`
	PromptTemplate  string      `json:"prompt_template,omitempty"` // overrides the persona preamble
	Risk            risk.Limits `json:"risk"`
}

// DatabaseConfig ledger storage selection
type DatabaseConfig struct {
	// Path to the SQLite file, default "data/roma.db". Ignored when PostgresURL is set.
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty"` // direct connection string enables lib/pq
}

// Config main configuration
type Config struct {
	Agents         []AgentConfig  `json:"agents"`
	DefaultSymbols []string       `json:"default_symbols,omitempty"`
	MarketDataURL  string         `json:"market_data_url,omitempty"` // indicator API base
	APIServerPort  int            `json:"api_server_port,omitempty"`
	Database       DatabaseConfig `json:"database,omitempty"`
}

// Load loads and validates configuration from a JSON file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates configuration validity and fills defaults in place
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	if len(c.DefaultSymbols) == 0 {
		c.DefaultSymbols = []string{
			"BTCUSDT",
			"ETHUSDT",
			"SOLUSDT",
			"BNBUSDT",
			"XRPUSDT",
			"DOGEUSDT",
		}
	}

	agentIDs := make(map[string]bool)
	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.ID == "" {
			return fmt.Errorf("agent[%d]: id cannot be empty", i)
		}
		if agentIDs[agent.ID] {
			return fmt.Errorf("agent[%d]: id '%s' is duplicated", i, agent.ID)
		}
		agentIDs[agent.ID] = true

		if agent.Name == "" {
			agent.Name = agent.ID
		}
		if !agent.Enabled {
			continue
		}

		if err := agent.LLM.validate(); err != nil {
			return fmt.Errorf("agent[%d] (%s): %w", i, agent.ID, err)
		}
		if err := agent.Exchange.validate(); err != nil {
			return fmt.Errorf("agent[%d] (%s): %w", i, agent.ID, err)
		}

		if agent.InitialBalance <= 0 {
			return fmt.Errorf("agent[%d] (%s): initial_balance must be greater than 0", i, agent.ID)
		}
		if agent.IntervalMinutes <= 0 {
			agent.IntervalMinutes = 3.0
		}
		if len(agent.Symbols) == 0 {
			agent.Symbols = c.DefaultSymbols
		}
		agent.Risk.ApplyDefaults()
		if err := agent.Risk.Validate(); err != nil {
			return fmt.Errorf("agent[%d] (%s): %w", i, agent.ID, err)
		}
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}
	if c.Database.SQLitePath == "" && c.Database.PostgresURL == "" {
		c.Database.SQLitePath = "data/roma.db"
	}

	return nil
}

func (l *LLMConfig) validate() error {
	switch l.Provider {
	case "deepseek", "qwen", "groq":
	case "custom":
		if l.BaseURL == "" {
			return fmt.Errorf("llm.base_url must be configured when provider is 'custom'")
		}
		if l.Model == "" {
			return fmt.Errorf("llm.model must be configured when provider is 'custom'")
		}
	default:
		return fmt.Errorf("llm.provider must be 'deepseek', 'qwen', 'groq' or 'custom'")
	}
	if l.APIKeyEnv == "" {
		return fmt.Errorf("llm.api_key_env cannot be empty")
	}
	if os.Getenv(l.APIKeyEnv) == "" {
		return fmt.Errorf("environment variable %s (llm.api_key_env) is not set", l.APIKeyEnv)
	}
	if l.TimeoutSeconds <= 0 {
		l.TimeoutSeconds = 120
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if e.Venue == "" {
		e.Venue = "paper"
	}
	switch e.Venue {
	case "binance":
		if err := requireEnv("exchange.api_key_env", e.APIKeyEnv); err != nil {
			return err
		}
		if err := requireEnv("exchange.secret_env", e.SecretEnv); err != nil {
			return err
		}
	case "hyperliquid":
		if err := requireEnv("exchange.private_key_env", e.PrivateKeyEnv); err != nil {
			return err
		}
	case "aster":
		if err := requireEnv("exchange.private_key_env", e.PrivateKeyEnv); err != nil {
			return err
		}
		if err := requireEnv("exchange.wallet_env", e.WalletEnv); err != nil {
			return err
		}
		if err := requireEnv("exchange.signer_env", e.SignerEnv); err != nil {
			return err
		}
	case "paper":
		// no credentials needed
	default:
		return fmt.Errorf("exchange.venue must be 'binance', 'hyperliquid', 'aster' or 'paper'")
	}
	return nil
}

func requireEnv(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if os.Getenv(name) == "" {
		return fmt.Errorf("environment variable %s (%s) is not set", name, field)
	}
	return nil
}

// Interval returns the decision cycle interval
func (a *AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMinutes * float64(time.Minute))
}

// AccountKey identifies the venue account an agent trades on. Agents sharing
// a key must never touch the account concurrently.
func (a *AgentConfig) AccountKey() string {
	e := a.Exchange
	switch e.Venue {
	case "binance":
		return "binance:" + e.APIKeyEnv
	case "hyperliquid":
		return "hyperliquid:" + e.PrivateKeyEnv
	case "aster":
		return "aster:" + e.WalletEnv
	default:
		return "paper:" + a.ID
	}
}
