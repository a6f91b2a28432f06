package main

import (
	"context"
	"fmt"
	"log"

	"github.com/conciergelab/concierge/internal/agent"
	"github.com/conciergelab/concierge/internal/breaker"
	"github.com/conciergelab/concierge/internal/config"
	"github.com/conciergelab/concierge/internal/llm/openai"
	"github.com/conciergelab/concierge/internal/mcp"
	"github.com/conciergelab/concierge/internal/memory"
	"github.com/conciergelab/concierge/internal/selection"
	"github.com/conciergelab/concierge/internal/tool"
	"github.com/conciergelab/concierge/internal/toolcache"
	"github.com/conciergelab/concierge/internal/web"
)

func main() {
	// Load .env file
	config.LoadEnv()

	fmt.Println(` ██████╗ ██████╗ ███╗   ██╗ ██████╗██╗███████╗██████╗  ██████╗ ███████╗`)
	fmt.Println(`██╔════╝██╔═══██╗████╗  ██║██╔════╝██║██╔════╝██╔══██╗██╔════╝ ██╔════╝`)
	fmt.Println(`██║     ██║   ██║██╔██╗ ██║██║     ██║█████╗  ██████╔╝██║  ███╗█████╗  `)
	fmt.Println(`██║     ██║   ██║██║╚██╗██║██║     ██║██╔══╝  ██╔══██╗██║   ██║██╔══╝  `)
	fmt.Println(`╚██████╗╚██████╔╝██║ ╚████║╚██████╗██║███████╗██║  ██║╚██████╔╝███████╗`)
	fmt.Println(` ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝ ╚═════╝╚═╝╚══════╝╚═╝  ╚═╝ ╚═════╝ ╚══════╝`)
	fmt.Println(`         ╔═══ local agent orchestrator ═══╗`)
	fmt.Println(`         ║   chat gateway · MCP tools      ║`)
	fmt.Println(`         ╚═════════════════════════════════╝`)

	settings, err := config.FromEnv()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	gateway, err := openai.NewClient(openai.NewConfig(settings))
	if err != nil {
		log.Fatalf("❌ Failed to initialize gateway client: %v", err)
	}
	fmt.Printf("🤖 Gateway: %s @ %s (timeout=%s)\n", settings.AgentModel, settings.GatewayBase, settings.HTTPTimeout)
	fmt.Printf("🧭 Classifier: %s · Embeddings: %s\n", settings.ClassifierModel, settings.EmbeddingModel)
	fmt.Printf("📂 FS root: %s\n", settings.FSRoot)

	registry := tool.NewRegistry()
	brk := breaker.New(settings.BreakerThreshold, settings.BreakerCooldown)
	cache := toolcache.New(settings.CacheSize, settings.CacheTTL)

	// MCP fleet: connect, discover, register.
	manager := mcp.NewManager(settings.MCPConfig, settings.ToolTimeout, registry, brk)
	ready, mcpErrs := manager.ConnectAll(context.Background())
	for _, e := range mcpErrs {
		log.Printf("⚠️  MCP connect: %v", e)
	}
	fmt.Printf("🔌 MCP: %d server(s) ready, %d tool(s) registered\n", ready, registry.Count())
	defer manager.CloseAll()

	// Vector memory: probe the embedding dimension, then index tools in the
	// background. Selection waits on the barrier with a bounded timeout.
	embedder := memory.NewEmbedder(gateway, settings.EmbeddingModel, settings.CacheTTL)
	index := memory.NewIndex(embedder, memory.NewInMemoryStore())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), settings.HTTPTimeout)
		defer cancel()
		dim, err := embedder.ProbeDimension(ctx)
		if err != nil {
			log.Printf("⚠️  Embedding probe failed, semantic retrieval degraded: %v", err)
			index.IndexTools(ctx, nil) // open the barrier; searches degrade to empty
			return
		}
		fmt.Printf("🧠 Embeddings: dimension %d\n", dim)
		index.IndexTools(ctx, registry.List())
	}()

	// Tool-selection pipeline.
	pipeline := selection.NewPipeline(
		registry,
		selection.NewFeedbackStore(settings.FeedbackFile),
		selection.NewIntentCache(settings.IntentFile, settings.IntentTTL),
		selection.NewClassifier(gateway, brk),
		index,
		selection.Options{ClassifierModel: settings.ClassifierModel, MaxTools: settings.MaxSelectedTools},
	)

	executor := agent.NewExecutor(registry, manager, cache, settings.ParallelLimit)
	engine := agent.NewEngine(gateway, pipeline, executor, registry, settings.MaxToolSteps)
	fmt.Printf("🛠️  Agent: max %d tool step(s), %d parallel call(s)\n", settings.MaxToolSteps, settings.ParallelLimit)

	server := web.NewServer(web.Deps{
		GatewayBase: settings.GatewayBase,
		AgentModel:  settings.AgentModel,
		FSRoot:      settings.FSRoot,
		Port:        settings.WebPort,
		AuthToken:   settings.AuthToken,
		Runner:      engine,
		Registry:    registry,
		Manager:     manager,
		Cache:       cache,
		Index:       index,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}
