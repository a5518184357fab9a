package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"muralcraft.ai/internal/eventlog"
	"muralcraft.ai/internal/fleet"
	"muralcraft.ai/internal/ledger"
	"muralcraft.ai/internal/palette"
	"muralcraft.ai/internal/placer"
	"muralcraft.ai/internal/restock"
	"muralcraft.ai/internal/worker"
	"muralcraft.ai/internal/wsagent"
)

func main() {
	var (
		fleetPath  = flag.String("fleet", "./configs/fleet.yaml", "fleet config path")
		ordinal    = flag.Int("ordinal", 0, "worker ordinal within the pool")
		wsURL      = flag.String("ws", "", "world websocket url (overrides fleet config)")
		ledgerPath = flag.String("ledger", "", "ledger database path (overrides fleet config)")
	)
	flag.Parse()

	name := fleet.WorkerName(*ordinal)
	logger := log.New(os.Stdout, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := fleet.Load(*fleetPath)
	if err != nil {
		logger.Fatalf("load fleet config: %v", err)
	}
	if *wsURL != "" {
		cfg.WorldWSURL = *wsURL
	}
	if *ledgerPath != "" {
		cfg.LedgerPath = *ledgerPath
	}

	cats, err := palette.Load(cfg.ConfigDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	events := eventlog.New(cfg.EventsDir, name)
	defer events.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sess := wsagent.New(logger, cats, wsagent.Config{
		URL:       cfg.WorldWSURL,
		AgentName: name,
		AuthToken: cfg.AuthToken,
	})
	if err := sess.Connect(ctx); err != nil {
		logger.Fatalf("connect world: %v", err)
	}
	defer sess.Close()
	if err := sess.WaitReady(ctx); err != nil {
		logger.Fatalf("wait for first observation: %v", err)
	}

	eng := placer.New(logger, events, led, sess, cats, placer.Config{
		Site:          cfg.Site,
		BatchRows:     cfg.Placer.BatchRows,
		Reach:         cfg.Placer.Reach,
		PlaceRetries:  cfg.Placer.PlaceRetries,
		RetryBackoff:  cfg.RetryBackoff(),
		MoveTimeout:   cfg.MoveTimeout(),
		MoveTolerance: cfg.Placer.MoveTolerance,
	})

	stores := make([]restock.Store, 0, len(cfg.Restock.Stores))
	for _, s := range cfg.Restock.Stores {
		stores = append(stores, restock.Store{Item: s.Item, Base: s.BaseVec()})
	}
	stocker := restock.New(logger, events, sess, restock.Config{
		Disposal:      cfg.Restock.DisposalVec(),
		Stores:        stores,
		StackHeight:   cfg.Restock.StackHeight,
		MoveTimeout:   cfg.MoveTimeout(),
		MoveTolerance: cfg.Placer.MoveTolerance,
	})

	w := worker.New(logger, events, led, eng, stocker, sess, worker.Config{
		ID:              name,
		TickInterval:    cfg.TickInterval(),
		RestockCooldown: cfg.RestockCooldown(),
	})

	logger.Printf("painter %s up (world=%s ledger=%s events=%s)", name, cfg.WorldWSURL, cfg.LedgerPath, events.RunID())
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("worker: %v", err)
	}
	logger.Printf("painter %s done", name)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
