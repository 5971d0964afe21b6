package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/protogate/internal/auth"
	"github.com/pitabwire/protogate/internal/config"
	"github.com/pitabwire/protogate/internal/gateway"
	"github.com/pitabwire/protogate/internal/invoker"
	"github.com/pitabwire/protogate/internal/normalize"
	"github.com/pitabwire/protogate/internal/observability"
	"github.com/pitabwire/protogate/internal/registry"
	"github.com/pitabwire/protogate/internal/resilience"
	"github.com/pitabwire/protogate/internal/template"
	"github.com/pitabwire/protogate/internal/transport"
	"github.com/pitabwire/protogate/model"
)

// stack is the fully wired gateway.
type stack struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	registry  *registry.Registry
	templates *template.Engine
	engine    *gateway.Engine
}

// loadServices reads the descriptor catalogs and merges the inline
// services. A name present in both is rejected by the registry.
func loadServices(cfg config.GatewayConfig) ([]model.ServiceDescriptor, error) {
	descs, err := registry.NewLoader().LoadAll(cfg.ServiceDirectories)
	if err != nil {
		return nil, err
	}
	return append(descs, registry.FromMap(cfg.Services)...), nil
}

// buildStack wires every collaborator of the engine. Metrics are registered
// on reg and served from gatherer.
func buildStack(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*stack, error) {
	metrics := observability.InitMetrics(reg)

	// Step 1: Service registry.
	descs, err := loadServices(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	services, err := registry.New(descs)
	if err != nil {
		return nil, err
	}
	metrics.SetServicesLoaded(services.Len())

	// Step 2: Template engine.
	templates, err := template.New(template.Config{
		Directory: cfg.Gateway.TemplateDirectory,
		TTL:       cfg.Gateway.TemplateCacheTTL,
		MaxSize:   cfg.Gateway.TemplateCacheSize,
	},
		template.WithLogger(logger),
		template.WithLoadHook(metrics.RecordTemplateLoad),
	)
	if err != nil {
		return nil, err
	}

	// Step 3: Credentials.
	tokens := auth.NewTokenCache(
		auth.WithExpiryBuffer(cfg.Gateway.TokenExpiryBuffer),
		auth.WithLogger(logger),
		auth.WithFetchHook(metrics.RecordTokenFetch),
	)
	credentials := auth.NewResolver(tokens)

	// Step 4: Resilience.
	breakers := resilience.NewBreakers(func(service string, from, to resilience.State) {
		metrics.SetCircuitBreakerState(service, float64(to))
		logger.Warn("circuit breaker state changed",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	executor := resilience.NewExecutor(breakers, resilience.NewLimiters(),
		resilience.WithLogger(logger),
		resilience.WithRetryHook(func(service string, _ int, _ time.Duration, _ error) {
			metrics.RecordRetry(service)
		}),
	)

	// Step 5: Protocol handlers over the shared transport.
	sender := invoker.NewSender(
		invoker.WithMaxResponseBytes(cfg.Gateway.MaxResponseBytes),
		invoker.WithSenderLogger(logger),
		invoker.WithDownstreamObserver(metrics.RecordDownstreamRequest),
	)
	dispatcher := invoker.NewDefaultDispatcher(sender, templates)

	// Step 6: Engine.
	engine := gateway.NewEngine(services, dispatcher, credentials, executor, normalize.New(templates),
		gateway.WithLogger(logger),
		gateway.WithObserver(gateway.MetricsObserver{Metrics: metrics}),
		gateway.WithSystem(cfg.Gateway.SystemName, cfg.Gateway.SystemVersion),
	)

	return &stack{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		gatherer:  gatherer,
		registry:  services,
		templates: templates,
		engine:    engine,
	}, nil
}

// handler builds the HTTP front-end for the stack.
func (s *stack) handler() http.Handler {
	deps := transport.Dependencies{
		Config:  s.cfg,
		Invoker: s.engine,
		Logger:  s.logger,
		Readiness: observability.ReadinessChecks{
			ServicesLoaded: func() bool { return s.registry.Len() > 0 },
			Templates:      s.templates,
		},
	}
	if s.cfg.Observability.Metrics.Enabled {
		deps.Metrics = s.metrics
		deps.Gatherer = s.gatherer
	}
	if s.cfg.Auth.Enabled {
		deps.Authenticate = transport.JWTAuthenticator(s.cfg.Auth)
	}
	return transport.NewRouter(deps)
}

func describe(d *model.ServiceDescriptor) string {
	return fmt.Sprintf("%-24s %-10s %-6s %s", d.Name, d.Protocol, d.Method, d.Endpoint)
}
