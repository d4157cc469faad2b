package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/config"
	"github.com/mohammed-shakir/feature-promotion/internal/core/health"
	"github.com/mohammed-shakir/feature-promotion/internal/core/httpclient"
	"github.com/mohammed-shakir/feature-promotion/internal/core/server"
	"github.com/mohammed-shakir/feature-promotion/internal/credential"
	"github.com/mohammed-shakir/feature-promotion/internal/events"
	"github.com/mohammed-shakir/feature-promotion/internal/jurisdiction"
	"github.com/mohammed-shakir/feature-promotion/internal/logger"
	"github.com/mohammed-shakir/feature-promotion/internal/metrics"
	"github.com/mohammed-shakir/feature-promotion/internal/session"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	flag.Parse()

	cfg, cfgErr := config.Load(*envFile)

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "promoter",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if cfgErr != nil {
		appLog.Error("invalid configuration", "err", cfgErr)
		return 2
	}
	appLog.Info("starting promoter",
		"addr", cfg.Addr,
		"version", Version,
		"staging", cfg.ArcGIS.StagingURL,
		"production", cfg.ArcGIS.ProductionURL,
		"jurisdiction", cfg.Capabilities.Jurisdiction,
		"attachments", cfg.Capabilities.Attachments)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{AllowedOrigins: cfg.AllowedOrigins}
	if cfg.MetricsEnabled {
		layers := map[string]string{"staging": cfg.ArcGIS.StagingURL}
		if cfg.Capabilities.Production {
			layers["production"] = cfg.ArcGIS.ProductionURL
		}
		p := metrics.New(metrics.Config{
			Path:         cfg.MetricsPath,
			Build:        metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate},
			Capabilities: cfg.Capabilities,
			Layers:       layers,
		})
		deps.Metrics = p.Handler()
		deps.MetricsPath = p.Path()
	}

	httpClient := httpclient.NewOutbound(cfg.UpstreamTimeout)

	broker, err := credential.New(credential.Config{
		ClientID:     cfg.ArcGIS.ClientID,
		ClientSecret: cfg.ArcGIS.ClientSecret,
		TokenURL:     cfg.ArcGIS.TokenURL,
		Server:       cfg.ArcGIS.PortalURL,
	}, httpClient, appLog.With("component", "credential"))
	if err != nil {
		appLog.Error("credential broker setup failed", "err", err)
		return 1
	}
	deps.Token = credential.Handler(broker)

	bc, err := baas.New(cfg.PocketBaseURL, cfg.MuseumCollection, httpClient, appLog.With("component", "baas"))
	if err != nil {
		appLog.Error("baas client setup failed", "err", err)
		return 1
	}
	deps.Auth = bc
	deps.Ready = append(deps.Ready, health.Check{Name: "baas", Fn: bc.Ready})

	staging, err := arcgis.NewLayer("staging", cfg.ArcGIS.StagingURL, httpClient, appLog.With("component", "arcgis"), cfg.ArcGIS.ObjectIDField)
	if err != nil {
		appLog.Error("staging layer setup failed", "err", err)
		return 1
	}
	var production *arcgis.Layer
	if cfg.Capabilities.Production {
		production, err = arcgis.NewLayer("production", cfg.ArcGIS.ProductionURL, httpClient, appLog.With("component", "arcgis"), cfg.ArcGIS.ObjectIDField)
		if err != nil {
			appLog.Error("production layer setup failed", "err", err)
			return 1
		}
	}

	var boundaries session.Boundaries
	if cfg.Capabilities.Jurisdiction {
		var store jurisdiction.Store
		if cfg.RedisEnabled {
			rc, err := redisstore.New(ctx, cfg.RedisAddr)
			if err != nil {
				appLog.Error("redis unavailable", "addr", cfg.RedisAddr, "err", err)
				return 1
			}
			defer func() { _ = rc.Close() }()
			store = rc
			deps.Ready = append(deps.Ready, health.Check{Name: "redis", Fn: rc.Ping})
		}
		boundaries = jurisdiction.NewProvider(bc, store, jurisdiction.Options{
			TTL:       cfg.JurisdictionTTL,
			Size:      cfg.JurisdictionCacheSize,
			OpTimeout: cfg.CacheOpTimeout,
		}, appLog.With("component", "jurisdiction"))
	}

	sessDeps := session.Deps{
		Credentials:  broker,
		Boundaries:   boundaries,
		Staging:      staging,
		Production:   production,
		Capabilities: cfg.Capabilities,
		IdleTTL:      cfg.SessionIdleTTL,
		Logger:       appLog.With("component", "session"),
	}
	if cfg.Kafka.PromotionEnabled {
		pub, err := events.NewPromotionPublisher(cfg.Kafka.Brokers, cfg.Kafka.PromotionTopic, 1024, appLog.With("component", "events"))
		if err != nil {
			appLog.Error("promotion publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		sessDeps.Publisher = pub
	}

	sessions := session.NewManager(sessDeps)
	go sessions.Run(ctx)
	deps.Sessions = sessions

	if cfg.Kafka.MuseumEnabled {
		if boundaries == nil {
			appLog.Warn("museum events enabled without the jurisdiction capability; ignoring")
		} else {
			consumer := events.NewMuseumConsumer(events.ConsumerConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.MuseumTopic,
				GroupID: cfg.Kafka.GroupID,
			}, sessions, appLog.With("component", "events"))
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("museum consumer start failed", "err", err)
				return 1
			}
			defer consumer.Stop()
			deps.Ready = append(deps.Ready, health.Check{Name: "museum-events", Fn: func(context.Context) error {
				if !consumer.Ready() {
					return errors.New("no partitions assigned")
				}
				return nil
			}})
		}
	}

	if err := server.Run(ctx, cfg.Addr, server.NewHandler(deps, appLog), appLog); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	sessions.CloseAll()
	appLog.Info("shutdown complete")
	return 0
}
