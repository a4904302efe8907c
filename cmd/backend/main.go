package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scout/backend/internal/analysis"
	"scout/backend/internal/app"
	"scout/backend/internal/competitor"
	"scout/backend/internal/config"
	"scout/backend/internal/docstore"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
	"scout/backend/internal/research"
	"scout/backend/internal/sandbox"
	"scout/backend/internal/session"
)

func main() {
	if path, loaded, err := loadEnvFile(); err != nil {
		log.Printf("env file %s not loaded: %v", path, err)
	} else if loaded > 0 {
		log.Printf("loaded %d values from %s", loaded, path)
	}

	cfg := config.Load()

	policy, err := intent.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("load policy failed: %v", err)
	}

	llmClient := llm.New(llm.Config{
		APIKey:     cfg.LLMAPIKey,
		BaseURL:    cfg.LLMBaseURL,
		Model:      cfg.LLMModel,
		EmbedModel: cfg.LLMEmbedModel,
		Timeout:    cfg.LLMTimeout,
	})
	sandboxClient := sandbox.New(sandbox.Config{
		APIKey:      cfg.SandboxAPIKey,
		BaseURL:     cfg.SandboxBaseURL,
		Timeout:     cfg.SandboxTimeout,
		KeepaliveMS: cfg.SandboxKeepMS,
	})

	index := docstore.New(llmClient)
	registry := session.New(sandboxClient, cfg.SearchAPIKey, index.Drop)

	orchestrator := research.NewOrchestrator(llmClient, registry, cfg.SearchAPIKey)
	workflow := competitor.NewWorkflow(
		registry,
		competitor.NewDiscoverer(orchestrator),
		competitor.NewScraper(orchestrator, competitor.NewExtractor(llmClient, policy), policy),
		llmClient,
		policy,
	)

	srv, err := app.NewServer(cfg, app.Deps{
		Sessions:    registry,
		Classifier:  intent.NewClassifier(llmClient, policy),
		Engine:      analysis.NewEngine(llmClient, registry, sandboxClient, &policy),
		Interpreter: analysis.NewInterpreter(llmClient, filepath.Join(cfg.DataDir, "charts"), &policy),
		Research:    orchestrator,
		Competitors: workflow,
		Documents:   index,
		Sandboxes:   sandboxClient,
		LLM:         llmClient,
	})
	if err != nil {
		log.Fatalf("init server failed: %v", err)
	}

	reaper, err := session.NewReaper(registry, cfg.ReapSchedule, cfg.SandboxIdle)
	if err != nil {
		log.Fatalf("init reaper failed: %v", err)
	}
	reaper.Start()
	defer reaper.Stop()

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // chat streams outlive any fixed limit
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("backend listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %v", err)
	}
	// remote sandboxes bill by the minute; release them before exit
	registry.CloseAll()
}
