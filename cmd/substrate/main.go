// Command substrate runs the coordination and memory substrate's HTTP
// health/admin surface, wiring the Store Adapter, Blackboard, Memory
// Graph, and Consolidator per the selected backend.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/feothyuth/claude-orchestrator/internal/blackboard"
	"github.com/feothyuth/claude-orchestrator/internal/consolidator"
	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/graph"
	"github.com/feothyuth/claude-orchestrator/internal/llm"
	"github.com/feothyuth/claude-orchestrator/internal/pattern"
	"github.com/feothyuth/claude-orchestrator/internal/reflection"
	"github.com/feothyuth/claude-orchestrator/internal/store"
	"github.com/feothyuth/claude-orchestrator/internal/store/litestore"
	"github.com/feothyuth/claude-orchestrator/internal/store/pgstore"
	"github.com/feothyuth/claude-orchestrator/internal/substrateconfig"
	"github.com/feothyuth/claude-orchestrator/pkg/version"
)

func main() {
	configDir := flag.String("config-dir", "./deploy/config", "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := substrateconfig.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	adapter, err := buildAdapter(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store adapter: %v", err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Printf("Error closing store adapter: %v", err)
		}
	}()
	log.Printf("✓ Connected to %s store backend", cfg.Backend)

	bb := blackboard.New(adapter)
	stopRetention := bb.StartRetentionSweep(ctx, time.Hour)
	defer stopRetention()

	memGraph := graph.New(adapter)
	episodeLog := episode.New(adapter)
	reflections := reflection.New(adapter)
	patterns := pattern.New(adapter)

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	sleepCycle := consolidator.New(episodeLog, memGraph, llmClient, bb, reflections, patterns)

	scheduler := consolidator.NewScheduler(sleepCycle, cfg.ConsolidatorWorkers)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	log.Println("✓ Blackboard, Memory Graph, Episode Log, Consolidator initialized")

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health, err := bb.Health(reqCtx)
		if err != nil || !health.Connected {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"store":  health,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version.Full(),
			"backend": cfg.Backend,
			"store":   health,
		})
	})

	router.POST("/admin/consolidate/:runId", func(c *gin.Context) {
		runID := c.Param("runId")
		if c.Query("sync") == "true" {
			report, err := sleepCycle.Consolidate(c.Request.Context(), runID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, report)
			return
		}

		if err := scheduler.Submit(c.Request.Context(), runID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "queued"})
	})

	router.DELETE("/admin/consolidate/:runId", func(c *gin.Context) {
		found := scheduler.CancelRun(c.Param("runId"))
		c.JSON(http.StatusOK, gin.H{"cancelled": found})
	})

	router.GET("/admin/scheduler/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, scheduler.Health())
	})

	router.POST("/admin/patterns/prune", func(c *gin.Context) {
		pruned, err := patterns.Prune(c.Request.Context(), pattern.DefaultUtilityThreshold)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pruned": pruned})
	})

	log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func buildAdapter(ctx context.Context, cfg substrateconfig.Config) (store.Adapter, error) {
	switch cfg.Backend {
	case substrateconfig.BackendPostgres:
		dbConfig, err := pgstore.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return pgstore.New(ctx, dbConfig)
	default:
		dbConfig, err := litestore.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return litestore.New(ctx, dbConfig)
	}
}
