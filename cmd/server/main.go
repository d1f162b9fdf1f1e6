package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"avatarbackend/internal/admin"
	"avatarbackend/internal/config"
	"avatarbackend/internal/engine"
	"avatarbackend/internal/llm"
	_ "avatarbackend/internal/llm/gemini"
	_ "avatarbackend/internal/llm/openailm"
	"avatarbackend/internal/monitor"
	"avatarbackend/internal/retrieval"
	"avatarbackend/internal/session"
	"avatarbackend/internal/store"
)

const defaultSystemPrompt = "You are a friendly, helpful avatar assistant. Keep answers concise and speak naturally."

// outboundQueueSize bounds each session's backpressure buffer.
const outboundQueueSize = 64

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.Setup("info")
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	monitor.Setup(cfg.LogLevel)
	monitor.PrintBanner()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("bye")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Conversation Store ---
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer st.Close()

	// --- LLM Gateway ---
	llmClient, err := llm.New(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMModel, cfg.DebugChunks)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	// --- Retrieval Store ---
	if err := os.MkdirAll(cfg.RAGDocsFolder, 0755); err != nil {
		return fmt.Errorf("create docs folder: %w", err)
	}
	ret, err := retrieval.Open(retrievalDSN(cfg.DatabaseURL), cfg.RAGDocsFolder, llmClient,
		cfg.RAGChunkTokens, cfg.RAGChunkOverlap, cfg.RAGTopK, cfg.RAGMinScore)
	if err != nil {
		return fmt.Errorf("open retrieval store: %w", err)
	}
	defer ret.Close()
	if err := ret.Reload(ctx); err != nil {
		slog.Warn("initial document ingest failed", "error", err)
	}

	docChanges := config.WatchDocsFolder(ctx, cfg.RAGDocsFolder)
	go func() {
		for range docChanges {
			if err := ret.Reload(context.Background()); err != nil {
				slog.Warn("document reload failed", "error", err)
			}
		}
	}()

	// --- Conversation Engine ---
	eng := engine.New(st, ret, llmClient, cfg, defaultSystemPrompt)

	// --- Session Manager + Admin surface ---
	sessMgr := session.NewManager(st, eng, cfg.ChatAPIKey, cfg.MaxFrameBytes, outboundQueueSize)
	adminSrv := admin.NewServer(cfg.AdminAPIKey, eng, ret, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sessMgr.HandleWS)
	mux.HandleFunc("/health", sessMgr.HandleHealth)
	mux.HandleFunc("/healthz", sessMgr.HandleHealth)
	mux.Handle("/admin/", adminSrv.Handler())

	httpSrv := &http.Server{Addr: cfg.Addr(), Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining sessions", "grace", cfg.ShutdownGrace)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	sessMgr.Shutdown(cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// retrievalDSN derives a sibling database file for the retrieval store so
// the two sqlite handles never contend on the same file.
func retrievalDSN(base string) string {
	if idx := strings.Index(base, ".db"); idx >= 0 {
		return base[:idx] + "-retrieval" + base[idx:]
	}
	return base + "-retrieval"
}
