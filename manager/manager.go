package manager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"roma/agent"
	"roma/config"
	"roma/ledger"
	"roma/market"
	"roma/mcp"
	"roma/trader"
)

// restartDelay is how long a crashed agent waits before its next attempt
const restartDelay = 10 * time.Second

// Manager owns all enabled agents, building each one's venue gateway and
// model client from config and supervising their run loops
type Manager struct {
	store  *ledger.Store
	market *market.Provider

	agents   map[string]*agent.Agent
	order    []string // config order, for stable listing
	agentCfg map[string]config.AgentConfig

	// one lock per venue account; agents sharing an account serialize on it
	accountLocks map[string]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds all enabled agents. A misconfigured agent fails startup rather
// than silently running a partial fleet.
func New(cfg *config.Config, store *ledger.Store) (*Manager, error) {
	m := &Manager{
		store:        store,
		market:       market.NewProvider(cfg.MarketDataURL),
		agents:       make(map[string]*agent.Agent),
		agentCfg:     make(map[string]config.AgentConfig),
		accountLocks: make(map[string]*sync.Mutex),
	}

	for _, agentCfg := range cfg.Agents {
		if !agentCfg.Enabled {
			log.Printf("⏸  Agent %s disabled, skipping", agentCfg.ID)
			continue
		}

		llm, err := buildLLM(agentCfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentCfg.ID, err)
		}
		venue, err := m.buildTrader(agentCfg)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentCfg.ID, err)
		}

		key := agentCfg.AccountKey()
		lock, ok := m.accountLocks[key]
		if !ok {
			lock = &sync.Mutex{}
			m.accountLocks[key] = lock
		} else {
			log.Printf("⚠️ Agent %s shares account %s with another agent, cycles will serialize", agentCfg.ID, key)
		}

		ag, err := agent.New(agentCfg, llm, venue, m.market, store, lock)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentCfg.ID, err)
		}
		m.agents[agentCfg.ID] = ag
		m.agentCfg[agentCfg.ID] = agentCfg
		m.order = append(m.order, agentCfg.ID)
	}

	if len(m.agents) == 0 {
		return nil, fmt.Errorf("no enabled agents in configuration")
	}
	return m, nil
}

// buildLLM constructs the model client for one agent
func buildLLM(cfg config.LLMConfig) (*mcp.Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
	}

	client := mcp.New()
	switch cfg.Provider {
	case "deepseek":
		client.SetDeepSeekAPIKey(apiKey)
	case "qwen":
		client.SetQwenAPIKey(apiKey)
	case "groq":
		client.SetGroqAPIKey(apiKey, cfg.Model)
	case "custom":
		client.SetCustomAPI(cfg.BaseURL, apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.Model != "" {
		client.Model = cfg.Model
	}
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	}
	return client, nil
}

// buildTrader constructs the venue gateway for one agent
func (m *Manager) buildTrader(cfg config.AgentConfig) (trader.Trader, error) {
	e := cfg.Exchange
	switch e.Venue {
	case "binance":
		return trader.NewBinanceTrader(os.Getenv(e.APIKeyEnv), os.Getenv(e.SecretEnv), e.Testnet), nil
	case "hyperliquid":
		return trader.NewHyperliquidTrader(os.Getenv(e.PrivateKeyEnv), os.Getenv(e.WalletEnv), e.Testnet)
	case "aster":
		return trader.NewAsterTrader(os.Getenv(e.WalletEnv), os.Getenv(e.SignerEnv), os.Getenv(e.PrivateKeyEnv))
	case "paper":
		prices := func(ctx context.Context, symbol string) (float64, error) {
			snapshot, err := m.market.Get(ctx, symbol)
			if err != nil {
				return 0, err
			}
			return snapshot.CurrentPrice, nil
		}
		return trader.NewPaperTrader(cfg.InitialBalance, prices), nil
	default:
		return nil, fmt.Errorf("unknown venue %q", e.Venue)
	}
}

// StartAll launches every agent. A panicking agent is logged and restarted
// after a delay instead of taking the process down.
func (m *Manager) StartAll() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, id := range m.order {
		ag := m.agents[id]
		m.wg.Add(1)
		go func(ag *agent.Agent) {
			defer m.wg.Done()
			for {
				m.runSupervised(ctx, ag)
				if ctx.Err() != nil {
					return
				}
				log.Printf("🔄 [%s] Restarting agent in %v", ag.ID(), restartDelay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}
			}
		}(ag)
	}
	log.Printf("🚀 Started %d agents", len(m.agents))
}

func (m *Manager) runSupervised(ctx context.Context, ag *agent.Agent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 [%s] Agent panicked: %v", ag.ID(), r)
		}
	}()
	ag.Run(ctx)
}

// StopAll stops every agent and waits for in-flight cycles to finish
func (m *Manager) StopAll() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Printf("🛑 All agents stopped")
}

// IDs returns agent ids in config order
func (m *Manager) IDs() []string {
	return m.order
}

// Agent returns the agent with the given id, nil when unknown
func (m *Manager) Agent(id string) *agent.Agent {
	return m.agents[id]
}

// AgentConfig returns the config the agent was built from
func (m *Manager) AgentConfig(id string) (config.AgentConfig, bool) {
	cfg, ok := m.agentCfg[id]
	return cfg, ok
}

// Store exposes the ledger for the API layer
func (m *Manager) Store() *ledger.Store {
	return m.store
}
