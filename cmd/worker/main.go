package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hazelqin/mindmint/internal/completion"
	"github.com/hazelqin/mindmint/internal/config"
	"github.com/hazelqin/mindmint/internal/db"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/models"
	"github.com/hazelqin/mindmint/internal/mood"
	"github.com/hazelqin/mindmint/internal/session"
	"github.com/hazelqin/mindmint/internal/store/ipfs"
	"github.com/hazelqin/mindmint/internal/store/rabbitmq"
	"github.com/hazelqin/mindmint/internal/store/redisstore"
	"gorm.io/gorm"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := session.NewRepo(gdb)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	signer := mustSigner(cfg)
	ledgerClient := ledger.NewClient(cfg.LedgerGatewayURL, cfg.LedgerContractAddr, cfg.LedgerConfirmations, signer)
	content := ipfs.NewClient(cfg.PinServiceURL, cfg.PinGatewayURL, cfg.PinServiceJWT)

	completer := completion.New(repo, ledgerClient, content, mood.FixedScorer{Value: 8},
		completion.WithRetry(cfg.CompletionMaxAttempts, cfg.CompletionBaseDelay),
		completion.WithLocker(rds, cfg.CompletionLockTTL),
	)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	queues := rabbitmq.CompletionQueues(cfg.RabbitQueue)
	if err := queues.DeclareAll(ch); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(queues.Main, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", queues.Main, concurrency)

	w := &worker{
		gdb:          gdb,
		repo:         repo,
		completer:    completer,
		defaultOwner: signer.Address(),
	}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.CompletionMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := w.handleJob(ctx, m.JobID); err != nil {
					log.Printf("worker=%d job %s session=%s failed cost=%s err=%v", workerID, m.JobID, m.SessionID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

type worker struct {
	gdb          *gorm.DB
	repo         *session.Repo
	completer    *completion.Orchestrator
	defaultOwner string
}

func (w *worker) handleJob(ctx context.Context, jobID string) error {
	jobStart := time.Now()

	_ = w.repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := w.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	var achievements []string
	if j.Achievements != "" {
		if err := json.Unmarshal([]byte(j.Achievements), &achievements); err != nil {
			_ = w.repo.MarkJobFailed(ctx, jobID, "bad achievements payload: "+err.Error())
			return err
		}
	}

	var moodScore *int
	if j.MoodScore >= 0 {
		s := j.MoodScore
		moodScore = &s
	}

	res, err := w.completer.Complete(ctx, completion.Request{
		UserID:          j.UserID,
		SessionID:       j.SessionID,
		Summary:         j.Summary,
		DurationMinutes: j.DurationMinutes,
		MoodScore:       moodScore,
		Achievements:    achievements,
		OwnerAddress:    w.ownerFor(ctx, j.UserID),
	})
	if err != nil {
		_ = w.repo.MarkJobFailed(ctx, jobID, err.Error())
		log.Printf("job_failed job=%s session=%s total=%s err=%v", jobID, j.SessionID, time.Since(jobStart), err)
		return err
	}

	if err := w.repo.MarkJobSucceeded(ctx, jobID, res.ExternalID, res.ImageAddress, res.MetadataAddress, res.TokenID); err != nil {
		return err
	}

	total := time.Since(jobStart)
	if total > 2*time.Second {
		log.Printf("job_timing job=%s session=%s already_done=%v total=%s", jobID, j.SessionID, res.AlreadyDone, total)
	}
	return nil
}

func (w *worker) ownerFor(ctx context.Context, userID uint64) string {
	var user models.User
	if err := w.gdb.WithContext(ctx).First(&user, userID).Error; err == nil && user.WalletAddress != "" {
		return user.WalletAddress
	}
	return w.defaultOwner
}

func mustSigner(cfg config.Config) ledger.Signer {
	keyHex := cfg.LedgerSignerKeyHex
	if keyHex == "" {
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
