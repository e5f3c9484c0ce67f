package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"roma/api"
	"roma/config"
	"roma/ledger"
	"roma/manager"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        🤖 roma - Multi-Agent AI Trading System             ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("ℹ️  No .env file found, continuing with OS environment variables")
		} else {
			log.Printf("⚠️  Failed to load .env file: %v", err)
		}
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	log.Printf("📋 Loading configuration file: %s", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Hosted platforms inject the listen port via PORT
	if port := os.Getenv("PORT"); port != "" {
		if portNum, err := strconv.Atoi(port); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	store, err := ledger.Open(cfg.Database.SQLitePath, cfg.Database.PostgresURL)
	if err != nil {
		log.Fatalf("❌ Failed to open ledger: %v", err)
	}
	defer store.Close()

	mgr, err := manager.New(cfg, store)
	if err != nil {
		log.Fatalf("❌ Failed to build agents: %v", err)
	}

	fmt.Println()
	fmt.Println("🏁 Agents:")
	for _, agentCfg := range cfg.Agents {
		if !agentCfg.Enabled {
			continue
		}
		fmt.Printf("  • %s (%s on %s) - every %.1f min, initial balance %.0f USDT\n",
			agentCfg.Name, agentCfg.LLM.Provider, agentCfg.Exchange.Venue,
			agentCfg.IntervalMinutes, agentCfg.InitialBalance)
	}
	fmt.Println()
	fmt.Println("⚠️  Risk Warning: automated trading has risks, test with small funds first!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	apiServer := api.NewServer(mgr, cfg.APIServerPort)
	go func() {
		if err := apiServer.Run(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()
	log.Printf("🌐 API server listening on :%d", cfg.APIServerPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	mgr.StartAll()

	<-sigChan
	fmt.Println()
	log.Println("📛 Received shutdown signal, stopping all agents...")
	mgr.StopAll()

	fmt.Println()
	fmt.Println("👋 Shutdown complete")
}
