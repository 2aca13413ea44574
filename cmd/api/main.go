// The API is the control plane: it admits executions, hands them to the
// queue bus and serves read models plus live SSE streams. Workflow runs
// happen in the worker process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/cmd/api/auth"
	"github.com/lyzr/flowengine/cmd/api/dispatcher"
	"github.com/lyzr/flowengine/cmd/api/handlers"
	"github.com/lyzr/flowengine/common/bootstrap"
	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/queue"
	"github.com/lyzr/flowengine/common/repository"
	"github.com/lyzr/flowengine/common/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "flowengine-api", bootstrap.WithSchema())
	if err != nil {
		return err
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	hub := events.NewHub()
	bridge := events.NewBridge(components.Redis.GetUnderlying(), hub, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event bridge stopped", "error", err)
		}
	}()

	workflows := repository.NewWorkflowRepository(components.DB)
	executions := repository.NewExecutionRepository(components.DB)
	nodes := repository.NewNodeExecutionRepository(components.DB)
	pauses := repository.NewPauseRepository(components.DB)
	usage := repository.NewUsageRepository(components.DB)
	logs := repository.NewLogRepository(components.DB)

	bus := queue.NewRedisBus(components.Redis.GetUnderlying(), cfg.Queue.ConsumerGroup, log)
	brk := breaker.New(cfg.Breaker, log)

	disp := dispatcher.New(workflows, executions, pauses, usage,
		dispatcher.StaticTiers{ExecutionsPerPeriod: cfg.Billing.ExecutionsPerPeriod},
		bus, brk, components.Metrics, log)

	var verifier auth.Verifier
	if cfg.Service.AuthVerifyURL != "" {
		verifier = auth.NewHTTPVerifier(cfg.Service.AuthVerifyURL, nil)
	} else {
		log.Warn("AUTH_VERIFY_URL unset, bearer tokens are taken as user ids")
		verifier = auth.InsecureVerifier{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	h := handlers.New(disp, workflows, nodes, logs, hub, components.Metrics, log)
	h.AddCheck("store", components.DB.Health)
	h.AddCheck("redis", components.Redis.Health)
	h.Register(e, verifier, cfg.Telemetry.MetricsPath)

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, cfg.Service.ShutdownGrace, log)
	return srv.Start()
}
