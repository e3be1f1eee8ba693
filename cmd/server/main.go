package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cardrails/internal/cards"
	"cardrails/internal/config"
	"cardrails/internal/eligibility"
	"cardrails/internal/intent"
	"cardrails/internal/ledger"
	"cardrails/internal/ratelimit"
	"cardrails/internal/reconcile"
	"cardrails/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var store intent.Store = intent.NewMemoryStore()
	if cfg.Storage.PostgresDSN != "" {
		pg, err := intent.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres store error: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Printf("POSTGRES_DSN not set, using in-memory store")
	}

	var ledgerClient ledger.Client = ledger.NewFakeClient()
	if cfg.Chain.RPCURL != "" {
		rpcClient, err := ledger.NewRPCClient(ctx, ledger.RPCClientConfig{
			RPCURL:           cfg.Chain.RPCURL,
			ReceivingAddress: cfg.Chain.ReceivingAddress,
			TokenAccounts: map[intent.Asset]ledger.TokenAccount{
				intent.AssetUSDC: {Mint: cfg.Chain.USDCMint, Address: cfg.Chain.USDCTokenAccount},
				intent.AssetUSDT: {Mint: cfg.Chain.USDTMint, Address: cfg.Chain.USDTTokenAccount},
			},
			NativeLookback: cfg.Chain.NativeLookback,
			TokenLookback:  cfg.Chain.TokenLookback,
		})
		if err != nil {
			log.Fatalf("ledger client error: %v", err)
		}
		defer rpcClient.Close()
		ledgerClient = rpcClient
	} else {
		log.Printf("LEDGER_RPC_URL not set, using fake ledger client")
	}

	var gate eligibility.Gate = eligibility.AllowAll{}
	if cfg.Eligibility.RequiredMint != "" {
		gate = eligibility.NewLedgerGate(ledgerClient, cfg.Eligibility.RequiredMint, cfg.Eligibility.MinBalance)
	}

	var limiter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.Storage.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, falling back to in-process rate limit: %v", err)
		} else {
			limiter = ratelimit.NewRedisCounter(rdb, "")
		}
	}

	engine := reconcile.NewEngine(store, ledgerClient, gate)

	apiServer := server.NewServer(cfg, server.Deps{
		Store:   store,
		Engine:  engine,
		Ledger:  ledgerClient,
		Issuer:  cards.FakeIssuer{},
		Limiter: limiter,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
