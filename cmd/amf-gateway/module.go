package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"amf-rpc/channel"
	"amf-rpc/config"
	"amf-rpc/logger"
	"amf-rpc/middleware"
	"amf-rpc/registry"
	"amf-rpc/server"
	"amf-rpc/telemetry"
)

// Module wires the gateway from cfg.
func Module(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			fx.Annotate(provideAccessLogger, fx.ResultTags(`name:"access"`)),
			provideTracerProvider,
			provideMetricsRegistry,
			newServiceRegistry,
			provideDispatcher,
			provideChannel,
			fx.Annotate(provideRouter, fx.ResultTags(`name:"app"`)),
			provideDiscovery,
			newGateway,
		),
		fx.Invoke(registerHooks),
	)
}

func provideLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		_ = l.Sync()
		return nil
	}})
	return l, nil
}

func provideAccessLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Log.File == "" {
		return logger.New(cfg.Log)
	}
	return logger.NewNamed(cfg.Log, "http-access.log")
}

func provideTracerProvider(lc fx.Lifecycle, cfg config.Config) (trace.TracerProvider, error) {
	tp, shutdown, err := telemetry.Setup(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return tp, nil
}

func provideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type dispatcherDeps struct {
	fx.In
	Config   config.Config
	Logger   *zap.Logger
	Tracer   trace.TracerProvider
	Metrics  *prometheus.Registry
	Registry *server.Registry
}

func provideDispatcher(d dispatcherDeps) (*server.Dispatcher, error) {
	mws := []middleware.Middleware{middleware.TracingMiddleware(d.Tracer)}
	if d.Config.Metrics.Enabled {
		m, err := middleware.NewMetrics(d.Metrics)
		if err != nil {
			return nil, err
		}
		mws = append(mws, m.Middleware())
	}
	mws = append(mws, middleware.LoggingMiddleware(d.Logger))
	if rl := d.Config.RateLimit; rl.Enabled {
		mws = append(mws, middleware.RateLimitMiddleware(rl.RPS, rl.Burst))
	}
	return server.NewDispatcher(d.Registry,
		server.WithLogger(d.Logger),
		server.WithMiddleware(mws...),
	), nil
}

func provideChannel(cfg config.Config, d *server.Dispatcher, l *zap.Logger) *channel.Channel {
	return channel.New(d,
		channel.WithName(cfg.Server.ChannelName),
		channel.WithLogger(l),
		channel.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
}

type routerDeps struct {
	fx.In
	Config    config.Config
	Channel   *channel.Channel
	Metrics   *prometheus.Registry
	AccessLog *zap.Logger `name:"access"`
}

func provideRouter(d routerDeps) http.Handler {
	opts := channel.RouterOptions{
		Path:       d.Config.Server.ChannelPath,
		HealthPath: d.Config.Server.HealthPath,
		AccessLog:  d.AccessLog,
	}
	if d.Config.Metrics.Enabled {
		opts.MetricsPath = d.Config.Metrics.Path
		opts.Metrics = promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{Registry: d.Metrics})
	}
	return channel.NewRouter(d.Channel, opts)
}

// provideDiscovery announces through etcd when endpoints are configured and
// through an in-process registry otherwise.
func provideDiscovery(lc fx.Lifecycle, cfg config.Config) (registry.Registry, error) {
	rc := cfg.Registry
	if len(rc.Endpoints) == 0 {
		return registry.NewStaticRegistry(), nil
	}
	r, err := registry.NewEtcdRegistry(rc.Endpoints, rc.DialTimeout.Std(), registry.WithPrefix(rc.Prefix))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return r.Close() }})
	return r, nil
}

// gateway is the HTTP server plus its service announcements.
type gateway struct {
	cfg       config.Config
	srv       *http.Server
	logger    *zap.Logger
	services  *server.Registry
	discovery registry.Registry

	ln        net.Listener
	advertise string
}

type gatewayDeps struct {
	fx.In
	Config    config.Config
	Logger    *zap.Logger
	App       http.Handler `name:"app"`
	Services  *server.Registry
	Discovery registry.Registry
}

func newGateway(d gatewayDeps) *gateway {
	sc := d.Config.Server
	return &gateway{
		cfg:    d.Config,
		logger: d.Logger,
		srv: &http.Server{
			Addr:         sc.Listen,
			Handler:      d.App,
			ReadTimeout:  sc.ReadTimeout.Std(),
			WriteTimeout: sc.WriteTimeout.Std(),
			IdleTimeout:  60 * time.Second,
		},
		services:  d.Services,
		discovery: d.Discovery,
	}
}

func (g *gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.srv.Addr)
	if err != nil {
		return err
	}
	g.ln = ln
	g.advertise = advertiseAddr(g.cfg, ln.Addr())

	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server failed", zap.Error(err))
		}
	}()
	g.logger.Info("gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("channel", g.cfg.Server.ChannelName),
		zap.Strings("services", g.services.Services()),
	)

	rc := g.cfg.Registry
	inst := registry.ServiceInstance{Addr: g.advertise, Weight: rc.Weight, Version: rc.Version}
	var announced []string
	for _, name := range g.services.Services() {
		if err := g.discovery.Register(ctx, name, inst, rc.TTL); err != nil {
			// fx does not run OnStop for a failed OnStart
			for _, done := range announced {
				g.discovery.Deregister(ctx, done, g.advertise)
			}
			g.srv.Close()
			ln.Close() // Serve may not have taken ownership yet
			return fmt.Errorf("register %s: %w", name, err)
		}
		announced = append(announced, name)
	}
	return nil
}

func (g *gateway) Stop(ctx context.Context) error {
	for _, name := range g.services.Services() {
		if err := g.discovery.Deregister(ctx, name, g.advertise); err != nil {
			g.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return g.srv.Shutdown(ctx)
}

// Addr is the bound listen address; empty before Start.
func (g *gateway) Addr() string {
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func registerHooks(lc fx.Lifecycle, g *gateway) {
	lc.Append(fx.Hook{OnStart: g.Start, OnStop: g.Stop})
}

// advertiseAddr is the channel URL announced to clients. Without an explicit
// registry.advertise it is derived from the bound address; unspecified hosts
// become loopback.
func advertiseAddr(cfg config.Config, bound net.Addr) string {
	if cfg.Registry.Advertise != "" {
		return cfg.Registry.Advertise
	}
	host, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return "http://" + bound.String() + cfg.Server.ChannelPath
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/" + strings.TrimPrefix(cfg.Server.ChannelPath, "/")
}
