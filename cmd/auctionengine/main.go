// Command auctionengine is the process entrypoint: load config, wire every
// subsystem through internal/engine, serve the ops HTTP surface, and shut
// down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/expressrelay/auctionengine/internal/batcher"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/config"
	"github.com/expressrelay/auctionengine/internal/engine"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/opportunity"
	"github.com/expressrelay/auctionengine/internal/opsapi"
	"github.com/expressrelay/auctionengine/internal/reconciler"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/simulator"
	"github.com/expressrelay/auctionengine/internal/submitmode"
	"github.com/expressrelay/auctionengine/internal/submitter"
	"github.com/expressrelay/auctionengine/internal/verifier"
)

var configPathFlag = &cli.StringFlag{
	Name:     "config",
	Usage:    "path to the engine's TOML config file",
	Required: true,
}

var relayerKeyFlag = &cli.StringFlag{
	Name:  "relayer-key",
	Usage: "path to the relayer's base58-encoded keypair, overrides config",
}

func main() {
	app := &cli.App{
		Name:  "auctionengine",
		Usage: "Express Relay auction coordination engine",
		Flags: []cli.Flag{configPathFlag, relayerKeyFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("auctionengine: fatal error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	relayerKeyPath := cfg.Chain.RelayerKeyPath
	if override := c.String("relayer-key"); override != "" {
		relayerKeyPath = override
	}
	relayer, err := loadRelayerKey(relayerKeyPath)
	if err != nil {
		return fmt.Errorf("loading relayer key: %w", err)
	}

	programID, err := solana.PublicKeyFromBase58(cfg.Chain.ExpressRelayProgram)
	if err != nil {
		return fmt.Errorf("parsing express-relay program id: %w", err)
	}
	walletRouter, err := solana.PublicKeyFromBase58(cfg.Chain.WalletRouter)
	if err != nil {
		return fmt.Errorf("parsing wallet-router account: %w", err)
	}

	store, err := journal.Open(cfg.Storage.JournalDir)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}

	chainClient := chainrpc.NewSolanaClient(cfg.Chain.PrimaryRPCURL, cfg.Chain.BroadcastRPCURL)
	subscriber := chainrpc.NewWSSubscriber(cfg.Chain.WSURL)

	repo := repository.New()
	opp := opportunity.NewInMemoryClient()
	resolver := submitmode.New(walletRouter, opp)

	sim, err := simulator.New(chainClient, repo, nil, 8)
	if err != nil {
		return fmt.Errorf("constructing simulator: %w", err)
	}
	defer sim.Close()

	v := verifier.New(programID, repo, sim, resolver, cfg.Chain.ChainID)
	bc := broadcaster.New(store)
	s := submitter.New(chainClient, repo, relayer, subscriber, programID, bc)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	batchSlots, err := subscriber.SubscribeSlots(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to slots for batcher: %w", err)
	}
	b := batcher.New(repo, resolver, sim, s, bc, batchSlots)

	reconcileLogs, err := subscriber.SubscribeLogs(ctx, programID)
	if err != nil {
		return fmt.Errorf("subscribing to logs for reconciler: %w", err)
	}
	reconcileSlots, err := subscriber.SubscribeSlots(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to slots for reconciler: %w", err)
	}
	r := reconciler.New(repo, chainClient, reconcileLogs, reconcileSlots, bc)

	eng := engine.New(engine.Deps{
		Policy:      engine.ChainPolicy{ChainID: cfg.Chain.ChainID, ProgramID: programID},
		Repo:        repo,
		Verifier:    v,
		Batcher:     b,
		Submitter:   s,
		Reconciler:  r,
		Broadcaster: bc,
		Store:       store,
		Opportunity: opp,
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	ops := opsapi.New(cfg.OpsAPI.ListenAddr, eng.Health)
	opsErrCh := make(chan error, 1)
	go func() { opsErrCh <- ops.Run(ctx) }()

	log.Info("auctionengine: running", "chain", cfg.Chain.ChainID, "ops_addr", cfg.OpsAPI.ListenAddr)

	<-ctx.Done()
	log.Info("auctionengine: shutting down")

	if err := eng.Stop(); err != nil {
		log.Error("auctionengine: error during shutdown", "err", err)
	}
	return <-opsErrCh
}

func loadRelayerKey(path string) (solana.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("no relayer key configured")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, err
	}
	return key, nil
}
