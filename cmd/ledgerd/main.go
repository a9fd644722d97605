package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/harborfi/ledgerd/internal/chain"
	"github.com/harborfi/ledgerd/internal/config"
	"github.com/harborfi/ledgerd/internal/events"
	"github.com/harborfi/ledgerd/internal/ingest"
	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/query"
	"github.com/harborfi/ledgerd/internal/reconciler"
	"github.com/harborfi/ledgerd/internal/state"
	"github.com/harborfi/ledgerd/internal/types"
	"github.com/harborfi/ledgerd/internal/web"
)

// main is the entry point for the ledgerd daemon.
func main() {
	// --- 1. Initialization Phase ---
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.LogLevel, cfg.LogFile)
	log.Info().Str("mode", cfg.Mode).Msg("Ledgerd starting...")

	// --- 2. Store Initialization (Postgres in live mode, memory in dry-run) ---
	var (
		users     ledger.UserStore
		positions ledger.PositionStore
		points    ledger.PointsStore
		referrals ledger.ReferralStore
		journal   ledger.EventJournal
		cycles    reconciler.CycleStore
		health    web.HealthChecker
	)

	if cfg.Mode == config.ModeLive {
		db, err := state.InitDB(state.DBConfig{
			Host: cfg.DBHost, Port: cfg.DBPort,
			User: cfg.DBUser, Password: cfg.DBPassword,
			DBName: cfg.DBName, SSLMode: cfg.DBSSLMode,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer db.Close()
		if err := state.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}

		users = state.NewUserStore(db)
		positions = state.NewPositionStore(db)
		points = state.NewPointsStore(db)
		referrals = state.NewReferralStore(db)
		journal = state.NewJournalStore(db)
		cycles = state.NewCycleStore(db)
		health = func() error { return state.TestDBConnection(db) }
	} else {
		log.Warn().Msg("Running in dry-run mode with in-memory stores. Nothing is persisted.")
		memory := state.NewMemoryStore()
		users = memory.Users()
		positions = memory.Positions()
		points = memory.Points()
		referrals = memory.Referrals()
		journal = memory.Journal()
		cycles = memory.Cycles()
		health = func() error { return nil }
	}

	// --- 3. Ledger Assembly with Dependency Injection ---
	pointsLedger, err := ledger.NewPointsLedger(points)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create points ledger")
	}
	graph, err := ledger.NewReferralGraph(users, referrals, journal, pointsLedger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create referral graph")
	}
	positionLedger, err := ledger.NewPositionLedger(users, positions, journal, pointsLedger, graph)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create position ledger")
	}

	normalizer, err := events.NewNormalizer(cfg.Vaults, cfg.AssetDecimals)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event normalizer")
	}

	var reader chain.Reader
	if cfg.Mode == config.ModeLive {
		rpcReader, err := chain.NewRPCReader(cfg.RPCEndpoint, cfg.AssetDecimals)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create chain reader")
		}
		reader = rpcReader
		log.Info().Str("endpoint", cfg.RPCEndpoint).Msg("Chain reader connected")
	} else {
		reader = chain.NewStaticReader()
	}

	dispatcher, err := ingest.NewDispatcher(normalizer, positionLedger, graph, reader, cfg.IngestWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingest dispatcher")
	}

	facade, err := query.NewFacade(users, positionLedger, pointsLedger, graph)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query facade")
	}

	// --- 4. Allocation Reconciler (optional, needs configured targets) ---
	var rec *reconciler.Reconciler
	if len(cfg.AllocationTargets) > 0 {
		rec, err = reconciler.New(reconciler.Config{
			Vaults:           cfg.AllocationTargets,
			Reader:           reader,
			Cycles:           cycles,
			DriftThresholdBp: cfg.DriftThresholdBp,
			Sink: func(intent types.RebalanceIntent) {
				log.Info().
					Str("vault", intent.VaultAddress).
					Str("intent", intent.ID).
					Msg("Rebalance intent ready for keeper pickup")
			},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create allocation reconciler")
		}
	} else {
		log.Info().Msg("No allocation targets configured, reconciler disabled")
	}

	// --- 5. Start Services ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	webServer := web.NewWebServer(strconv.Itoa(cfg.WebPort), facade, dispatcher, rec, health)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
		}
	}()

	if rec != nil {
		rec.RunLoop(ctx, cfg.ReconcileInterval)
	} else {
		<-ctx.Done()
	}

	log.Info().Msg("Ledgerd shutting down")
}
