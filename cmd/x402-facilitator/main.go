// Command x402-facilitator serves the facilitator HTTP API: payment
// verification, at-most-once settlement, fee quotes and supported kinds for
// the EVM and TRON networks listed in X402_NETWORKS.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/facilitator"
	httpx402 "github.com/bankofai/x402-go/http"
	"github.com/bankofai/x402-go/internal/config"
	"github.com/bankofai/x402-go/logging"
	"github.com/bankofai/x402-go/mechanism"
	"github.com/bankofai/x402-go/metrics"
	"github.com/bankofai/x402-go/settlement"
	"github.com/bankofai/x402-go/signers/evm"
	"github.com/bankofai/x402-go/signers/tron"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("facilitator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, prune, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	recorder := metrics.NewPrometheusRecorder()
	fac := facilitator.New(facilitator.WithLogger(logger))
	tokens := x402.DefaultTokenRegistry()
	opts := []mechanism.FacilitatorOption{
		mechanism.WithStore(store),
		mechanism.WithMetrics(recorder),
		mechanism.WithSettleTimeout(cfg.SettleTimeout),
		mechanism.WithTokens(tokens, cfg.TokenAllowList),
		mechanism.WithFee(cfg.FeeTo, cfg.BaseFees),
	}
	if err := registerNetworks(ctx, fac, cfg, tokens, logger, opts); err != nil {
		return err
	}

	handlerOpts := []httpx402.HandlerOption{
		httpx402.WithHandlerLogger(logger),
		httpx402.WithMetricsHandler(recorder.Handler()),
	}
	if cfg.JWTSecret != "" {
		auth, err := facilitator.NewTokenAuth([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		if err != nil {
			return fmt.Errorf("token auth: %w", err)
		}
		handlerOpts = append(handlerOpts, httpx402.WithTokenAuth(auth))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpx402.NewFacilitatorHandler(fac, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.SettleTimeout + 30*time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("facilitator listening", zap.String("addr", cfg.ListenAddr), zap.Int("networks", len(cfg.Networks)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.PruneInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.PruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					prune(ctx)
				}
			}
		})
	}
	return g.Wait()
}

// openStore returns the settlement store, a pruning func and a closer.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (settlement.Store, func(context.Context), func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, settlement records are kept in memory only")
		mem := settlement.NewMemoryStore()
		prune := func(context.Context) {
			if n := mem.Prune(); n > 0 {
				logger.Debug("pruned settlement records", zap.Int("count", n))
			}
		}
		return mem, prune, func() {}, nil
	}

	pg, err := settlement.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres store: %w", err)
	}
	prune := func(ctx context.Context) {
		n, err := pg.Prune(ctx)
		if err != nil {
			logger.Warn("prune settlement records", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Debug("pruned settlement records", zap.Int64("count", n))
		}
	}
	return pg, prune, pg.Close, nil
}

func registerNetworks(ctx context.Context, fac *facilitator.Facilitator, cfg *config.Config, tokens *x402.TokenRegistry, logger *zap.Logger, opts []mechanism.FacilitatorOption) error {
	for _, n := range cfg.Networks {
		kind, err := x402.ValidateNetwork(n.ID)
		if err != nil {
			return err
		}

		var signer x402.FacilitatorSigner
		switch kind {
		case x402.NetworkTypeEVM:
			key, err := evm.NewSigner(evm.WithPrivateKey(cfg.EVMPrivateKey))
			if err != nil {
				return fmt.Errorf("%s signer: %w", n.ID, err)
			}
			s, err := evm.Dial(ctx, n.RPCURL, key, evm.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("%s: %w", n.ID, err)
			}
			if want, _ := x402.ChainIDOf(n.ID); want != nil && s.ChainID().Cmp(want) != 0 {
				return fmt.Errorf("%s: rpc reports chain id %s", n.ID, s.ChainID())
			}
			signer = s
		case x402.NetworkTypeTRON:
			key, err := tron.NewSigner(tron.WithPrivateKey(cfg.TronPrivateKey))
			if err != nil {
				return fmt.Errorf("%s signer: %w", n.ID, err)
			}
			endpoint := n.RPCURL
			if endpoint == "" {
				if endpoint, err = tron.EndpointFor(n.ID); err != nil {
					return err
				}
			}
			signer = tron.NewFacilitatorSigner(key, tron.NewClient(endpoint, cfg.TronAPIKey),
				tron.WithFeeLimit(cfg.TronFeeLimit), tron.WithLogger(logger))
		}

		if err := fac.RegisterNetwork(n.ID, tokens, signer, opts...); err != nil {
			return fmt.Errorf("register %s: %w", n.ID, err)
		}
		logger.Info("network ready", zap.String("network", n.ID), zap.String("facilitator", signer.Address()))
	}
	return nil
}
