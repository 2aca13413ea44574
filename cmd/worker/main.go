// The worker consumes execution jobs from the queue bus and runs them
// through the engine. It owns the stale-execution supervisor and relays
// node events over redis for the API's SSE streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/flowengine/cmd/worker/consumer"
	"github.com/lyzr/flowengine/cmd/worker/engine"
	"github.com/lyzr/flowengine/cmd/worker/registry"
	"github.com/lyzr/flowengine/cmd/worker/runtime"
	"github.com/lyzr/flowengine/cmd/worker/supervisor"
	"github.com/lyzr/flowengine/common/bootstrap"
	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/queue"
	"github.com/lyzr/flowengine/common/repository"
)

// logBuffer bounds the async log writer; entries beyond it are dropped
const logBuffer = 1024

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "flowengine-worker", bootstrap.WithSchema())
	if err != nil {
		return err
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	hub := events.NewHub()
	bridge := events.NewBridge(components.Redis.GetUnderlying(), hub, log)

	store := &engine.RepoStore{
		Workflows:  repository.NewWorkflowRepository(components.DB),
		Executions: repository.NewExecutionRepository(components.DB),
		Nodes:      repository.NewNodeExecutionRepository(components.DB),
		Pauses:     repository.NewPauseRepository(components.DB),
	}

	logWriter := repository.NewAsyncLogWriter(repository.NewLogRepository(components.DB), log, logBuffer)
	defer logWriter.Close()

	reg := registry.New(registry.Deps{
		Breaker: breaker.New(cfg.Breaker, log),
	})
	rt := runtime.New(reg, store.Nodes, logWriter, bridge, components.Metrics, log, cfg.Engine, cfg.Queue)
	eng := engine.New(store, rt, bridge, components.Metrics, log, cfg.Engine)

	bus := queue.NewRedisBus(components.Redis.GetUnderlying(), cfg.Queue.ConsumerGroup, log)
	cons := consumer.New(eng, bus, log, components.Metrics, cfg.Queue)

	// An execution is presumed abandoned once it has outlived the workflow
	// timeout with margin for queue-level retries
	staleAfter := cfg.Engine.WorkflowTimeout + 10*time.Minute
	sup := supervisor.New(store.Executions, store.Nodes, bridge, components.Metrics, log, staleAfter)
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("supervisor stopped", "error", err)
		}
	}()

	go serveHealth(ctx, components, log)

	log.Info("worker ready",
		"consumer_group", cfg.Queue.ConsumerGroup,
		"max_concurrent_nodes", cfg.Engine.MaxConcurrentNodes)

	if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker draining complete")
	return nil
}

// serveHealth exposes liveness and metrics for the data plane
func serveHealth(ctx context.Context, components *bootstrap.Components, log *logger.Logger) {
	cfg := components.Config

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", func(c echo.Context) error {
		probeCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		deps := map[string]string{"store": "ok", "redis": "ok"}
		status := http.StatusOK
		if err := components.DB.Health(probeCtx); err != nil {
			deps["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := components.Redis.Health(probeCtx); err != nil {
			deps["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]any{"dependencies": deps})
	})
	e.GET(cfg.Telemetry.MetricsPath, echo.WrapHandler(promhttp.Handler()))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Service.Port), Handler: e}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("health server stopped", "error", err)
	}
}
