package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/intent"
	"github.com/caresched/medibot/agent/orchestrator"
	"github.com/caresched/medibot/agent/policy"
	"github.com/caresched/medibot/agent/prompt"
	"github.com/caresched/medibot/agent/recommend"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/agent/tool"
	configx "github.com/caresched/medibot/pkg/config"
	_ "github.com/caresched/medibot/pkg/logger/autoload"
	"github.com/caresched/medibot/pkg/metrics"
	openrouterx "github.com/caresched/medibot/pkg/openrouter"
	qstashx "github.com/caresched/medibot/pkg/qstash"
	"github.com/caresched/medibot/server"
	"github.com/caresched/medibot/store"
)

// sessionConfig picks the live-session backend. Memory suits a single
// replica; Upstash keeps sessions across restarts and replicas.
type sessionConfig struct {
	Backend string        `split_words:"true" default:"memory"`
	TTL     time.Duration `default:"24h"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New(prometheus.DefaultRegisterer, "medibot")

	dbCfg := configx.MustNew[store.Config]("DB")
	db := store.NewDB(*dbCfg)
	defer db.Close()
	gateway := store.NewGateway(db, dbCfg.Timeout)

	sessions := buildSessionStore()

	llmCfg := configx.MustNew[intent.Config]("LLM")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("llm config invalid")
	}
	openRouterCfg := llmCfg.OpenRouter()

	if client := openrouterx.NewClient(openRouterCfg); client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := openrouterx.Ping(pingCtx, client); err != nil {
			log.Warn().Err(err).Msg("openrouter unreachable at startup, turns will fail until it recovers")
		}
		cancel()
	}

	chatModel, err := openRouterCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("build chat model")
	}
	extractor, err := intent.New(ctx, chatModel, prompt.LoadPromptSet().IntentSystem)
	if err != nil {
		log.Fatal().Err(err).Msg("build intent extractor")
	}

	recommender := recommend.MustNew(*configx.MustNew[recommend.Config]("RECOMMENDER"))

	executor := tool.MustNewExecutor(tool.NewCatalog(gateway), policy.NewEngine(), met)

	orch, err := orchestrator.New(sessions, extractor, recommender, executor, buildArchiver(), met)
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(*configx.MustNew[server.Config]("SERVER"), orch, prometheus.DefaultGatherer)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
		return
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("stopped")
}

func buildSessionStore() statex.Store {
	cfg := configx.MustNew[sessionConfig]("SESSION")
	switch cfg.Backend {
	case "upstash":
		redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		st, err := statex.NewUpstashRedisStore(*redisCfg, statex.WithTTL(cfg.TTL))
		if err != nil {
			log.Fatal().Err(err).Msg("build session store")
		}
		return st
	default:
		return statex.NewMemoryStore(cfg.TTL)
	}
}

// archiveConfig points finished sessions at a QStash destination. Leave the
// destination empty to fall back to the log archiver.
type archiveConfig struct {
	Destination string `split_words:"true"`
}

func buildArchiver() contractx.Archiver {
	cfg := configx.MustNew[archiveConfig]("ARCHIVE")
	if cfg.Destination == "" {
		return nil
	}
	client := qstashx.MustNew(*configx.MustNew[qstashx.Config]("QSTASH"))
	archiver, err := orchestrator.NewQueueArchiver(client, cfg.Destination)
	if err != nil {
		log.Fatal().Err(err).Msg("build session archiver")
	}
	return archiver
}
