package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"settlement-core/internal/alerting"
	"settlement-core/internal/broadcast"
	"settlement-core/internal/chain"
	"settlement-core/internal/chainsync"
	"settlement-core/internal/config"
	"settlement-core/internal/ingest"
	"settlement-core/internal/metrics"
	"settlement-core/internal/oddyssey"
	"settlement-core/internal/provider"
	"settlement-core/internal/provider/crypto"
	"settlement-core/internal/provider/football"
	"settlement-core/internal/settlement"
	"settlement-core/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// env holds the collaborators opened for one command. Fields stay nil when
// the command does not need them.
type env struct {
	store     *storage.Store
	eth       *ethclient.Client
	sender    *chain.Transactor
	metrics   *metrics.Metrics
	notifier  alerting.Notifier
	publisher broadcast.Publisher
	closers   []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

type needs struct {
	chain  bool
	signer bool
}

func (a *App) open(ctx context.Context, n needs) (*env, error) {
	e := &env{metrics: metrics.New()}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	if n.chain || n.signer {
		eth, err := chain.Dial(ctx, a.Config.Ethereum.RPCURL)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.eth = eth
		e.closers = append(e.closers, eth.Close)
	}
	if n.signer {
		sender, err := a.newTransactor(e.eth, e.metrics)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.sender = sender
	}

	e.notifier = a.newNotifier()
	if client := broadcast.NewRedisClient(a.Config.Redis); client != nil {
		e.publisher = broadcast.NewRedisBroadcaster(client, a.Config.Redis.Channel)
		e.closers = append(e.closers, func() { _ = client.Close() })
	}
	return e, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn not configured")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) newTransactor(backend chain.TxBackend, m *metrics.Metrics) (*chain.Transactor, error) {
	cfg := a.Config.Ethereum
	if cfg.PrivateKey == "" {
		return nil, errors.New("ethereum.private_key not configured")
	}
	return chain.NewTransactor(backend, chain.TransactorOptions{
		ChainID:            big.NewInt(cfg.ChainID),
		PrivateKey:         cfg.PrivateKey,
		GasLimitMultiplier: cfg.GasLimitMultiplier,
		RequestTimeout:     cfg.RequestTimeout,
		ReceiptTimeout:     cfg.ReceiptTimeout,
		ReceiptPoll:        cfg.ReceiptPoll,
		Metrics:            m,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled || !cfg.Telegram.Enabled {
		return nil
	}
	telegram := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger)
	return alerting.NewThrottled(telegram, cfg.Cooldown)
}

func (a *App) providerClient(name string, cfg config.ProviderConfig) *provider.Client {
	return provider.NewClient(provider.Options{
		Name:        name,
		BaseURL:     cfg.BaseURL,
		Token:       cfg.APIToken,
		TokenHeader: cfg.TokenHeader,
		Timeout:     cfg.RequestTimeout,
		RateLimit:   cfg.RateLimit,
		Burst:       cfg.Burst,
		UserAgent:   cfg.UserAgent,
	})
}

func (a *App) newCryptoAdapter() *crypto.Adapter {
	return crypto.NewAdapter(crypto.Options{Client: a.providerClient("crypto", a.Config.Crypto)}, a.Logger)
}

func (a *App) newIngestWorker(e *env) *ingest.Worker {
	source := football.NewAdapter(football.Options{
		Client:        a.providerClient("football", a.Config.Football),
		BatchSize:     a.Config.Ingestion.BatchSize,
		TerminalGuard: a.Config.Ingestion.TerminalGuard,
	}, a.Logger)
	return ingest.NewWorker(source, e.store, ingest.Options{
		MinKickoffAge:  a.Config.Ingestion.MinKickoffAge,
		BatchSize:      a.Config.Ingestion.BatchSize,
		Concurrency:    a.Config.Ingestion.Concurrency,
		ScanLimit:      a.Config.Ingestion.ScanLimit,
		FixtureDays:    a.Config.Ingestion.FixtureDays,
		FixtureRefresh: a.Config.Ingestion.FixtureRefresh,
		Metrics:        e.metrics,
	}, a.Logger)
}

func (a *App) newPipeline(e *env) (*settlement.Pipeline, error) {
	cfg := a.Config.Ethereum
	bot, err := chain.NewOracleBot(e.eth, e.sender, chain.OracleBotOptions{
		Oracle:         common.HexToAddress(cfg.OracleAddress),
		PoolCore:       common.HexToAddress(cfg.PoolCoreAddress),
		TokenDecimals:  cfg.TokenDecimals,
		RequestTimeout: cfg.RequestTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	s := a.Config.Settlement
	return settlement.NewPipeline(e.store, bot, a.newCryptoAdapter(), e.notifier, e.publisher, settlement.Options{
		ResultGrace:   s.ResultGrace,
		SubmitBackoff: s.SubmitBackoff,
		ExcludedPools: s.ExcludedPools,
		BatchLimit:    s.BatchLimit,
		AlertOnSkip:   s.AlertOnSkip,
		Metrics:       e.metrics,
	}, a.Logger), nil
}

// newOddyssey returns nil without an error when no cycle contract is configured.
func (a *App) newOddyssey(e *env) (*chain.Oddyssey, error) {
	if a.Config.Ethereum.OddysseyAddress == "" {
		return nil, nil
	}
	var sender chain.Sender
	if e.sender != nil {
		sender = e.sender
	}
	return chain.NewOddyssey(e.eth, sender, chain.OddysseyOptions{
		Address:        common.HexToAddress(a.Config.Ethereum.OddysseyAddress),
		RequestTimeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) requireOddyssey(e *env) (*chain.Oddyssey, error) {
	contract, err := a.newOddyssey(e)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, errors.New("ethereum.oddyssey_address not configured")
	}
	return contract, nil
}

func (a *App) newSyncer(e *env) (*chainsync.Syncer, error) {
	cfg := a.Config.Ethereum
	var addresses []common.Address
	for _, addr := range []string{cfg.PoolCoreAddress, cfg.OracleAddress, cfg.OddysseyAddress, cfg.SettlementAddress} {
		if addr != "" {
			addresses = append(addresses, common.HexToAddress(addr))
		}
	}
	if len(addresses) == 0 {
		return nil, errors.New("no contract addresses configured for chain sync")
	}

	contract, err := a.newOddyssey(e)
	if err != nil {
		return nil, err
	}
	var cycles chainsync.CycleReader
	if contract != nil {
		cycles = contract
	}
	return chainsync.NewSyncer(e.eth, cycles, e.store, chainsync.Options{
		Addresses:     addresses,
		StartBlock:    a.Config.ChainSync.StartBlock,
		ReorgDepth:    a.Config.ChainSync.ReorgDepth,
		MaxBlockRange: a.Config.ChainSync.MaxBlockRange,
		CursorName:    a.Config.ChainSync.CursorName,
		TokenDecimals: cfg.TokenDecimals,
		Metrics:       e.metrics,
	}, a.Logger), nil
}

func (a *App) newStarter(e *env, contract oddyssey.Contract) *oddyssey.Starter {
	cfg := a.Config.Oddyssey
	return oddyssey.NewStarter(e.store, e.store, contract, oddyssey.StarterOptions{
		EarliestKickoffHour: cfg.EarliestKickoffHour,
		PopularLeagues:      cfg.PopularLeagues,
		Metrics:             e.metrics,
	}, a.Logger)
}

func (a *App) newResolver(e *env, contract oddyssey.Contract) *oddyssey.Resolver {
	cfg := a.Config.Oddyssey
	return oddyssey.NewResolver(e.store, e.store, contract, e.notifier, e.publisher, oddyssey.ResolverOptions{
		ResolveDelay:        cfg.ResolveDelay,
		EvaluationBatchSize: cfg.EvaluationBatchSize,
		VerifyOnChainScores: cfg.VerifyOnChainScores,
		Metrics:             e.metrics,
	}, a.Logger)
}

func (a *App) newMonitor(e *env) *oddyssey.Monitor {
	return oddyssey.NewMonitor(e.store, e.notifier, oddyssey.MonitorOptions{
		OverdueAfter: a.Config.Oddyssey.OverdueAfter,
		Metrics:      e.metrics,
	}, a.Logger)
}

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var errNothingEnabled = fmt.Errorf("no component enabled")
