// cmd/validator runs one bridge validator: a watcher per ledger, the
// attestation aggregator, the relayer and the peer attestation API.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/chain/evm"
	"github.com/jmerrifield20/ledgerbridge/internal/chain/ledgerb"
	"github.com/jmerrifield20/ledgerbridge/internal/health"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/metrics"
	"github.com/jmerrifield20/ledgerbridge/internal/peer"
	"github.com/jmerrifield20/ledgerbridge/internal/relayer"
	"github.com/jmerrifield20/ledgerbridge/internal/validator"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
	"github.com/jmerrifield20/ledgerbridge/pkg/client"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

func main() {
	logger, _ := zap.NewProduction()
	if os.Getenv("VALIDATOR_DEBUG") != "" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("validator exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("validator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("validator.port", 9000)
	viper.SetDefault("validator.grpc_port", 9001)
	viper.SetDefault("validator.key_file", "keys/validator.key")
	viper.SetDefault("validator.registry_refresh", "30s")
	viper.SetDefault("validator.attestation_retention", "1h")
	viper.SetDefault("validator.reemit_after", "5m")
	viper.SetDefault("validator.redeliver_interval", "10s")
	viper.SetDefault("validator.cors_origins", []string{"*"})
	viper.SetDefault("chain_a.rpc_url", "http://localhost:8545")
	viper.SetDefault("chain_a.contract", "")
	viper.SetDefault("chain_a.chain_id", 0)
	viper.SetDefault("chain_a.poll_interval", "5s")
	viper.SetDefault("chain_a.confirmations", 12)
	viper.SetDefault("chain_a.max_range", 1000)
	viper.SetDefault("chain_a.start_height", 0)
	viper.SetDefault("chain_b.url", "http://localhost:8080")
	viper.SetDefault("chain_b.poll_interval", "500ms")
	viper.SetDefault("chain_b.max_range", 500)
	viper.SetDefault("chain_b.start_height", 0)
	viper.SetDefault("cursor.path", "data/cursors.db")
	viper.SetDefault("relayer.max_attempts", 5)
	viper.SetDefault("relayer.initial_backoff", "1s")
	viper.SetDefault("relayer.max_backoff", "30s")
	viper.SetDefault("health.check_interval", "30s")
	viper.SetDefault("peers", []string{})

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Identity ─────────────────────────────────────────────────────────────
	keyFile := viper.GetString("validator.key_file")
	keys := identity.NewKeyManager(keyFile)
	if err := keys.LoadOrCreate(); err != nil {
		return fmt.Errorf("validator key setup failed: %w", err)
	}
	signer, err := keys.Signer()
	if err != nil {
		return err
	}
	logger.Info("validator key ready",
		zap.String("address", signer.Address().Hex()),
		zap.String("key_file", keyFile),
	)

	// ── Ledger B ─────────────────────────────────────────────────────────────
	ledger, err := client.New(viper.GetString("chain_b.url"), client.WithSigner(signer))
	if err != nil {
		return fmt.Errorf("ledgerd client: %w", err)
	}
	state, err := validator.WaitForState(ctx, ledger, 5*time.Second, logger)
	if err != nil {
		return fmt.Errorf("wait for bridge state: %w", err)
	}
	domainID := state.RemoteChainID
	logger.Info("bridge state loaded",
		zap.Uint64("remote_chain_id", domainID),
		zap.Uint8("threshold", state.ValidatorThreshold),
	)

	// ── Ledger A ─────────────────────────────────────────────────────────────
	contractHex := viper.GetString("chain_a.contract")
	if !common.IsHexAddress(contractHex) {
		return fmt.Errorf("chain_a.contract %q is not a hex address", contractHex)
	}
	contract := common.HexToAddress(contractHex)

	eth, err := ethclient.DialContext(ctx, viper.GetString("chain_a.rpc_url"))
	if err != nil {
		return fmt.Errorf("dial chain A: %w", err)
	}
	defer eth.Close()

	chainID := new(big.Int).SetUint64(viper.GetUint64("chain_a.chain_id"))
	if chainID.Sign() == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			return fmt.Errorf("chain A chain id: %w", err)
		}
	}
	logger.Info("connected to chain A", zap.String("chain_id", chainID.String()), zap.String("contract", contract.Hex()))

	// ── Cursors ──────────────────────────────────────────────────────────────
	cursors, err := watcher.OpenSQLiteCursorStore(viper.GetString("cursor.path"))
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close() //nolint:errcheck

	// ── Attestation pipeline ─────────────────────────────────────────────────
	agg := attest.New(attest.Config{
		DomainID:  domainID,
		Retention: viper.GetDuration("validator.attestation_retention"),
		Reemit:    viper.GetDuration("validator.reemit_after"),
	}, logger)

	peers := viper.GetStringSlice("peers")
	broadcaster := peer.NewBroadcaster(peers, 5*time.Second, logger)
	broadcaster.SetRetention(viper.GetDuration("validator.attestation_retention"))
	svc := validator.New(signer, domainID, ledger, agg, broadcaster, logger)

	rel := relayer.New(relayer.Config{
		MaxAttempts:    viper.GetInt("relayer.max_attempts"),
		InitialBackoff: viper.GetDuration("relayer.initial_backoff"),
		MaxBackoff:     viper.GetDuration("relayer.max_backoff"),
	},
		ledgerb.NewMinter(ledger, logger),
		evm.NewWriter(eth, contract, signer, evm.WriterConfig{ChainID: chainID}, logger),
		agg,
		logger,
	)
	rel.SetMetricsRecorder(metrics.RecordRelay)

	watchA := watcher.New(watcher.Config{
		Chain:         "chain_a",
		PollInterval:  viper.GetDuration("chain_a.poll_interval"),
		MaxRange:      viper.GetUint64("chain_a.max_range"),
		Confirmations: viper.GetUint64("chain_a.confirmations"),
		StartHeight:   viper.GetUint64("chain_a.start_height"),
	}, evm.NewReader(eth, contract, logger), svc.HandleEvent, cursors, logger)

	watchB := watcher.New(watcher.Config{
		Chain:        "chain_b",
		PollInterval: viper.GetDuration("chain_b.poll_interval"),
		MaxRange:     viper.GetUint64("chain_b.max_range"),
		StartHeight:  viper.GetUint64("chain_b.start_height"),
	}, ledgerb.NewSource(ledger, logger), svc.HandleEvent, cursors, logger)

	checker := health.New(peers, health.Config{CheckInterval: viper.GetDuration("health.check_interval")}, logger)
	checker.SetMetricsRecord(metrics.RecordPeerCheck)

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(agg.Run)
	// Watchers start only once the aggregator knows the registry.
	if err := svc.RefreshRegistry(ctx); err != nil {
		stop()
		wg.Wait()
		return err
	}
	goRun(func(ctx context.Context) { svc.RunRegistryRefresh(ctx, viper.GetDuration("validator.registry_refresh")) })
	goRun(func(ctx context.Context) { rel.Run(ctx, agg.Quorums()) })
	goRun(func(ctx context.Context) { broadcaster.RunRedelivery(ctx, viper.GetDuration("validator.redeliver_interval")) })
	goRun(watchA.Run)
	goRun(watchB.Run)
	goRun(checker.Run)

	// ── HTTP Router (peer API) ───────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: viper.GetStringSlice("validator.cors_origins"),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64<<10)
		c.Next()
	})
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		pending, _ := agg.Pending(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"validator":       signer.Address(),
			"pending_digests": pending,
			"peers":           checker.Statuses(),
		})
	})
	router.GET("/metrics", metrics.Handler())
	peer.NewHandler(agg, logger).Register(router.Group("/api/v1"))

	port := viper.GetInt("validator.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("validator.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus("ledgerbridge.validator", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("validator HTTP listening", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP listen: %w", err)
		}
	}()
	go func() {
		logger.Info("validator gRPC listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}
	logger.Info("shutting down validator...")
	healthSvc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	wg.Wait()

	logger.Info("validator stopped")
	return runErr
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := "OK"
		if err != nil {
			code = status.Code(err).String()
		}
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
