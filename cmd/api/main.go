package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"

	"github.com/hazelqin/mindmint/internal/completion"
	"github.com/hazelqin/mindmint/internal/config"
	"github.com/hazelqin/mindmint/internal/db"
	"github.com/hazelqin/mindmint/internal/httpapi"
	"github.com/hazelqin/mindmint/internal/httpapi/handlers"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/models"
	"github.com/hazelqin/mindmint/internal/mood"
	"github.com/hazelqin/mindmint/internal/session"
	"github.com/hazelqin/mindmint/internal/store/ipfs"
	"github.com/hazelqin/mindmint/internal/store/rabbitmq"
	"github.com/hazelqin/mindmint/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}, &session.Record{}, &session.Achievement{}, &session.CompletionJob{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(context.Background()); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer rabbit.Close()

	signer := mustSigner(cfg)
	ledgerClient := ledger.NewClient(cfg.LedgerGatewayURL, cfg.LedgerContractAddr, cfg.LedgerConfirmations, signer)
	bridge := ledger.NewBridge(ledgerClient)
	content := ipfs.NewClient(cfg.PinServiceURL, cfg.PinGatewayURL, cfg.PinServiceJWT)

	// Mood scorer registry (route by MOOD_SCORER)
	reg := mood.NewRegistry()
	reg.Register("fixed", func(ctx context.Context) (mood.Scorer, error) {
		_ = ctx
		return mood.FixedScorer{Value: 8}, nil
	})
	scorerName := os.Getenv("MOOD_SCORER")
	if scorerName == "" {
		scorerName = "fixed"
	}
	scorer, err := reg.Get(context.Background(), scorerName)
	if err != nil {
		log.Fatalf("mood scorer: %v", err)
	}

	repo := session.NewRepo(gdb)
	svc := session.NewService(repo)

	completer := completion.New(repo, ledgerClient, content, scorer,
		completion.WithRetry(cfg.CompletionMaxAttempts, cfg.CompletionBaseDelay),
		completion.WithLocker(rds, cfg.CompletionLockTTL),
	)

	h := handlers.NewHandler(gdb, cfg, rds, svc, completer, rabbit, bridge, signer.Address())
	r := httpapi.NewRouter(cfg, h)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("api listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func mustSigner(cfg config.Config) ledger.Signer {
	keyHex := cfg.LedgerSignerKeyHex
	if keyHex == "" {
		// dev fallback: ephemeral identity, tokens minted with it do not
		// survive restarts
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			log.Fatalf("generate dev signer: %v", err)
		}
		keyHex = hex.EncodeToString(seed)
		log.Printf("WARNING: LEDGER_SIGNER_KEY not set, using ephemeral dev signer")
	}
	signer, err := ledger.NewSignerFromHex(keyHex)
	if err != nil {
		log.Fatalf("ledger signer: %v", err)
	}
	return signer
}
