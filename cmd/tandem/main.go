// Tandem runtime server - drives the two-level agent loops and exposes
// the HTTP/SSE API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/tandem-run/tandem/pkg/api"
	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/llm/providers"
	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/orchestrator"
	"github.com/tandem-run/tandem/pkg/runtime"
	"github.com/tandem-run/tandem/pkg/sandbox"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/summarizer"
	"github.com/tandem-run/tandem/pkg/toolindex"
	"github.com/tandem-run/tandem/pkg/translator"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	catalogPath := flag.String("tool-catalog",
		getEnv("TOOL_CATALOG", ""),
		"Optional static tool catalog YAML (skips live MCP discovery)")
	oneShotTask := flag.String("task", "",
		"Run a single task to completion and print the result instead of serving")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	log.Printf("Starting Tandem")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Process-wide singletons, lifecycle owned by the runtime.
	sigBus := signals.NewBus()
	costs := budget.NewCostTracker()
	stream := events.NewStreamBus()
	registry := llm.NewRegistry()

	// Tool index: static catalog or live MCP discovery.
	index := toolindex.New(nil)
	mcpClient := mcp.NewClient(cfg.MCPServers)
	defer func() {
		if err := mcpClient.Close(); err != nil {
			log.Printf("Error closing MCP client: %v", err)
		}
	}()

	if *catalogPath != "" {
		if err := index.LoadCatalog(*catalogPath); err != nil {
			log.Fatalf("Failed to load tool catalog: %v", err)
		}
		log.Printf("✓ Tool catalog loaded (%d tools)", index.Len())
	} else if len(cfg.MCPServers.Providers()) > 0 {
		if err := mcp.PopulateIndex(ctx, mcpClient, cfg.MCPServers, index); err != nil {
			log.Fatalf("Failed to populate tool index: %v", err)
		}
		log.Printf("✓ Tool index populated (%d tools)", index.Len())
	} else {
		log.Printf("Warning: no MCP servers configured, tool index is empty")
	}

	dispatcher := mcp.NewClientDispatcher(mcpClient, index)

	// LLM facade over the configured providers. The per-run tracker hook
	// is bound after the runtime exists.
	var rt *runtime.Runtime
	providerMap, err := providers.BuildAll(cfg.LLMProviders)
	if err != nil {
		log.Fatalf("Failed to build LLM providers: %v", err)
	}
	facade, err := llm.NewFacade(
		providerMap, cfg.LLMProviders.GetAll(), cfg.LLMRouting,
		sigBus, registry, costs,
		func(runID string) *budget.Tracker {
			if rt == nil {
				return nil
			}
			return rt.TrackerFor(runID)
		},
	)
	if err != nil {
		log.Fatalf("Failed to build LLM facade: %v", err)
	}

	sum := summarizer.New(facade)
	runner := sandbox.NewRunner(cfg.Sandbox)
	trans := translator.New(facade)

	mcpBridge := orchestrator.NewMCPBridge(
		facade, index, dispatcher, runner, sum, sigBus,
		func(runID string) *budget.Tracker { return rt.TrackerFor(runID) },
	)
	subAgents := map[models.TargetType]orchestrator.SubAgent{
		models.TargetMCP: mcpBridge,
	}

	orch := orchestrator.New(facade, trans, index, sigBus, costs, subAgents, nil)
	rt = runtime.New(cfg, orch, index, sigBus, costs, stream)

	if *oneShotTask != "" {
		req := models.DefaultedRequest()
		req.Task = *oneShotTask
		req.Tenant = models.TenantInfo{TenantID: "cli", RequestID: "cli"}

		state, err := rt.Run(ctx, &req)
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		raw, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			log.Fatalf("Failed to render run state: %v", err)
		}
		fmt.Println(string(raw))
		return
	}

	server := api.NewServer(rt)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("✓ Tandem listening on :%s", httpPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
