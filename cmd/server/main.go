// Command viewkeysd starts the view-key sharing gRPC daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/viewkeys/internal/api"
	"github.com/and161185/viewkeys/internal/audit"
	"github.com/and161185/viewkeys/internal/config"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/keyring"
	"github.com/and161185/viewkeys/internal/limiter"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/migrate"
	"github.com/and161185/viewkeys/internal/registry"
	"github.com/and161185/viewkeys/internal/repository"
	"github.com/and161185/viewkeys/internal/repository/memory"
	"github.com/and161185/viewkeys/internal/repository/postgres"
	"github.com/and161185/viewkeys/internal/rotation"
	grpcserver "github.com/and161185/viewkeys/internal/server/grpc"
	"github.com/and161185/viewkeys/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// stores is the storage wiring for one backend.
type stores struct {
	grants    repository.GrantRepository
	keys      repository.KeyRecordRepository
	owners    repository.OwnerRepository
	rotations repository.RotationRepository
	audit     repository.AuditRepository
	directory repository.GranteeKeyRepository
	limiter   limiter.Limiter
	close     func()
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	var s *stores
	switch cfg.Store {
	case config.StoreMemory:
		m := memory.New()
		s = &stores{
			grants: m, keys: m, owners: m, rotations: m, audit: m, directory: m,
			limiter: limiter.NewMemory(cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlock),
			close:   func() {},
		}
	default:
		v, err := migrate.Up(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		log.Info("schema ready", zap.Int64("version", v))
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		keys := postgres.NewKeyRepo(db)
		s = &stores{
			grants:    postgres.NewGrantRepo(db),
			keys:      keys,
			owners:    keys,
			rotations: postgres.NewRotationRepo(db),
			audit:     postgres.NewAuditRepo(db),
			directory: postgres.NewGranteeRepo(db),
			limiter:   limiter.NewPGWithQuerier(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlock),
			close:     db.Close,
		}
	}

	if cfg.KeyringDir != "" {
		kr, err := keyring.Open(cfg.KeyringDir, log)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("keyring: %w", err)
		}
		s.owners = kr
		closeStore := s.close
		s.close = func() {
			if err := kr.Close(); err != nil {
				log.Warn("keyring close", zap.Error(err))
			}
			closeStore()
		}
	}
	return s, nil
}

// daemon is everything run needs.
type daemon struct {
	sharing *service.Sharing
	sweeper *service.Sweeper
	promReg *prometheus.Registry
	close   func()
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*daemon, error) {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	al, err := audit.New(st.audit, cfg.AuditKey, audit.WithRetention(cfg.AuditRetention), audit.WithLogger(log.Named("audit")))
	if err != nil {
		st.close()
		return nil, err
	}
	keys := keyhierarchy.NewManager(st.keys, log.Named("keys"))
	reg := registry.New(st.grants, al, m, log.Named("registry"))
	rot := rotation.New(rotation.Deps{
		Grants: st.grants, Rotations: st.rotations, Keys: keys, Directory: st.directory,
		Audit: al, Metrics: m, Log: log.Named("rotation"),
	}, rotation.Config{BatchSize: cfg.RotationBatch, Budget: cfg.RotationBudget, Workers: cfg.RotationWorkers})

	vault := service.NewVault(service.VaultDeps{
		Owners: st.owners, Keys: keys, Directory: st.directory,
		SignKey: []byte(cfg.JWTKey), AccessTTL: cfg.AccessTTL,
		Limiter: st.limiter, Audit: al, Metrics: m, Log: log.Named("vault"),
	})
	sharing := service.NewSharing(service.SharingDeps{
		Vault: vault, Keys: keys, Registry: reg, Rotation: rot, Audit: al,
		Directory: st.directory, Limiter: st.limiter, Metrics: m, Log: log.Named("sharing"),
		PollInterval: cfg.PollInterval,
	})
	return &daemon{
		sharing: sharing,
		sweeper: service.NewSweeper(reg, al, log.Named("sweeper")),
		promReg: promReg,
		close:   st.close,
	}, nil
}

func newGRPCServer(cfg config.Config, d *daemon, log *zap.Logger) (*grpc.Server, error) {
	signKey := []byte(cfg.JWTKey)
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.LoggingUnary(log),
			grpcserver.AuthUnary(signKey),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.LoggingStream(log),
			grpcserver.AuthStream(signKey),
		),
	}
	if !cfg.Plaintext {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	api.RegisterSharingServer(s, grpcserver.New(d.sharing, signKey, log.Named("grpc")))

	// Health & reflection (dev)
	hs := health.NewServer()
	hs.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}
	return s, nil
}

// run serves gRPC, /metrics and the sweeper until ctx is done or one of
// them fails.
func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	d, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	s, err := newGRPCServer(cfg, d, log)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", !cfg.Plaintext))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})
	g.Go(func() error {
		d.sweeper.Run(ctx, cfg.SweepInterval)
		return nil
	})
	if cfg.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{Registry: d.promReg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// main parses configuration and runs the daemon until SIGINT/SIGTERM.
func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
