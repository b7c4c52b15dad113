package completion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/hazelqin/mindmint/internal/artifact"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/mood"
	"github.com/hazelqin/mindmint/internal/session"
)

// SessionStore is the relational boundary the orchestrator consumes. Satisfied
// by *session.Repo.
type SessionStore interface {
	GetBySessionID(ctx context.Context, sessionID string) (*session.Record, error)
	MarkCompleting(ctx context.Context, sessionID string, expected session.Status) (bool, error)
	MarkCompleted(ctx context.Context, sessionID, summary string) error
	RevertCompleting(ctx context.Context, sessionID string) error
	GetAchievementBySessionID(ctx context.Context, sessionID string) (*session.Achievement, error)
	CreateAchievementOrGetExisting(ctx context.Context, a *session.Achievement) (*session.Achievement, bool, error)
}

// Ledger is the contract-gateway boundary. Satisfied by *ledger.Client.
type Ledger interface {
	EnsureSessionExists(ctx context.Context, internalID, participant string, topics []string) (uint64, error)
	CompleteSession(ctx context.Context, internalID, summary string, durationMinutes, moodScore int, achievements []string) (*ledger.Confirmation, error)
	MintAchievementToken(ctx context.Context, owner, metadataAddress string, facts ledger.Facts) (uint64, error)
	GetSessionByInternalID(ctx context.Context, internalID string) (*ledger.SessionEntry, error)
}

// ContentStore is the content-addressed storage boundary. Satisfied by
// *ipfs.Client.
type ContentStore interface {
	Upload(ctx context.Context, data []byte, contentType, name string) (string, error)
}

// Locker is the cross-process mutex per internal identifier. Satisfied by
// *redisstore.Store. A nil Locker disables cross-process locking (tests,
// single-node deployments).
type Locker interface {
	AcquireCompletionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseCompletionLock(ctx context.Context, sessionID, owner string) error
}

// Request is one completion attempt for one session.
type Request struct {
	UserID    uint64
	SessionID string

	Summary         string
	DurationMinutes int
	// MoodScore overrides the injected scorer when non-nil.
	MoodScore    *int
	Achievements []string

	// OwnerAddress is the ledger identity the token is minted to.
	OwnerAddress string
	Topics       []string
}

// Result is the terminal outcome. AlreadyDone marks the short-circuit path:
// the original identifiers and addresses, no new token.
type Result struct {
	ExternalID      uint64 `json:"external_id"`
	ImageAddress    string `json:"image_address"`
	MetadataAddress string `json:"metadata_address"`
	TokenID         uint64 `json:"token_id"`
	Motif           string `json:"motif,omitempty"`
	AlreadyDone     bool   `json:"already_done"`
}

// Orchestrator drives one session completion through the store, the ledger and
// content storage as a single resumable state machine. Concurrent requests for
// the same session collapse onto one execution.
type Orchestrator struct {
	store   SessionStore
	ledger  Ledger
	content ContentStore
	locker  Locker
	scorer  mood.Scorer

	maxAttempts int
	baseDelay   time.Duration
	lockTTL     time.Duration

	group singleflight.Group
}

type Option func(*Orchestrator)

func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(o *Orchestrator) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			o.baseDelay = baseDelay
		}
	}
}

func WithLocker(l Locker, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = l
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

func New(store SessionStore, lg Ledger, content ContentStore, scorer mood.Scorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		ledger:      lg,
		content:     content,
		scorer:      scorer,
		maxAttempts: 4,
		baseDelay:   500 * time.Millisecond,
		lockTTL:     2 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Complete runs the workflow to a terminal state. Concurrent callers for the
// same internal identifier share one execution; a second sequential call after
// success returns the persisted result with AlreadyDone set.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Result, error) {
	// flights are scoped to caller+session so dedup never hands one user's
	// result to a concurrent caller who fails the ownership check
	key := fmt.Sprintf("%d/%s", req.UserID, req.SessionID)
	v, err, _ := o.group.Do(key, func() (any, error) {
		return o.complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (o *Orchestrator) complete(ctx context.Context, req Request) (*Result, error) {
	state := StateRequested

	rec, err := o.store.GetBySessionID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failed(KindInvalidState, state, fmt.Errorf("%w: session not found", ErrInvalidState))
		}
		return nil, failed(KindLocalStore, state, err)
	}
	if rec.UserID != req.UserID {
		return nil, failed(KindInvalidState, state, fmt.Errorf("%w: session not found", ErrInvalidState))
	}

	// Completed with a persisted achievement: nothing to do, return the
	// original identifiers. Completed without one is a crashed attempt whose
	// ledger half finished; resume below.
	resuming := false
	switch rec.Status {
	case session.StatusInProgress:
		// normal path
	case session.StatusCompleting:
		// a prior attempt died mid-flight; the lock below guards the resume
		resuming = true
	case session.StatusCompleted:
		if a, aerr := o.store.GetAchievementBySessionID(ctx, req.SessionID); aerr == nil {
			return achievementResult(a, true), nil
		} else if !errors.Is(aerr, gorm.ErrRecordNotFound) {
			return nil, failed(KindLocalStore, state, aerr)
		}
		resuming = true
	default:
		return nil, failed(KindInvalidState, state, fmt.Errorf("%w: status %s", ErrInvalidState, rec.Status))
	}

	if o.locker != nil {
		owner := fmt.Sprintf("%d-%d", req.UserID, time.Now().UnixNano())
		got, lerr := o.locker.AcquireCompletionLock(ctx, req.SessionID, owner, o.lockTTL)
		if lerr != nil {
			return nil, failed(KindTransient, state, lerr)
		}
		if !got {
			return nil, failed(KindTransient, state, ErrInProgress)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := o.locker.ReleaseCompletionLock(rctx, req.SessionID, owner); rerr != nil {
				log.Printf("completion: release lock session=%s err=%v", req.SessionID, rerr)
			}
		}()
	}

	// Step 2: local intent, compare-and-set. Fatal on failure; no ledger call
	// may happen for a session the store does not believe is completing.
	if rec.Status == session.StatusInProgress {
		ok, merr := o.store.MarkCompleting(ctx, req.SessionID, session.StatusInProgress)
		if merr != nil {
			return nil, failed(KindLocalStore, state, merr)
		}
		if !ok {
			// lost a race; re-read and report what actually happened
			cur, gerr := o.store.GetBySessionID(ctx, req.SessionID)
			if gerr == nil && cur.Status == session.StatusCompleted {
				if a, aerr := o.store.GetAchievementBySessionID(ctx, req.SessionID); aerr == nil {
					return achievementResult(a, true), nil
				}
			}
			return nil, failed(KindInvalidState, state, fmt.Errorf("%w: concurrent status change", ErrInvalidState))
		}
	}
	state = StateMarkedCompleting

	moodScore, err := o.resolveMood(ctx, req)
	if err != nil {
		o.revert(req.SessionID, resuming)
		return nil, failed(KindPermanent, state, fmt.Errorf("mood scorer: %w", err))
	}

	facts := artifact.SessionFacts{
		SessionID:       req.SessionID,
		Summary:         req.Summary,
		DurationMinutes: req.DurationMinutes,
		MoodScore:       moodScore,
		Achievements:    req.Achievements,
	}

	// Step 3: idempotent ledger create.
	var externalID uint64
	err = o.retry(ctx, func() error {
		var rerr error
		externalID, rerr = o.ledger.EnsureSessionExists(ctx, req.SessionID, req.OwnerAddress, req.Topics)
		return rerr
	})
	if err != nil {
		return nil, o.classify(err, state)
	}
	state = StateLedgerEnsured

	// Step 4: ledger completion. AlreadyCompleted short-circuits: success,
	// no second mint.
	err = o.retry(ctx, func() error {
		_, rerr := o.ledger.CompleteSession(ctx, req.SessionID, req.Summary, req.DurationMinutes, moodScore, req.Achievements)
		return rerr
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyCompleted) {
			return o.recoverAlreadyCompleted(ctx, req, facts, externalID, state)
		}
		return nil, o.classify(err, state)
	}
	state = StateLedgerCompleted

	if err := o.store.MarkCompleted(ctx, req.SessionID, req.Summary); err != nil {
		return nil, failed(KindLocalStore, state, err)
	}

	// Step 5: deterministic artifact, image first, then metadata embedding the
	// image address. Re-uploading identical bytes re-yields the same address.
	img, err := artifact.GenerateImage(facts)
	if err != nil {
		return nil, failed(KindPermanent, state, err)
	}
	state = StateArtifactGend

	imageAddr, err := o.uploadImage(ctx, req.SessionID, img)
	if err != nil {
		return nil, o.classify(err, state)
	}

	metadataAddr, err := o.uploadMetadata(ctx, req.SessionID, facts, externalID, imageAddr)
	if err != nil {
		return nil, o.classify(err, state)
	}
	state = StateArtifactUploaded

	// Step 6: mint. Guarded against duplication by step 4's short-circuit on
	// any retry of the whole operation.
	var tokenID uint64
	err = o.retry(ctx, func() error {
		var rerr error
		tokenID, rerr = o.ledger.MintAchievementToken(ctx, req.OwnerAddress, metadataAddr, ledger.Facts{
			ExternalID:   externalID,
			Timestamp:    time.Now().Unix(),
			Summary:      req.Summary,
			Topics:       req.Topics,
			Duration:     req.DurationMinutes,
			MoodScore:    moodScore,
			Achievements: req.Achievements,
			Completed:    true,
		})
		return rerr
	})
	if err != nil {
		return nil, o.classify(err, state)
	}
	state = StateTokenMinted

	stored, _, err := o.store.CreateAchievementOrGetExisting(ctx, &session.Achievement{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		ExternalID:       externalID,
		ImageAddress:     imageAddr,
		MetadataAddress:  metadataAddr,
		TokenID:          tokenID,
		DurationMinutes:  req.DurationMinutes,
		MoodScore:        moodScore,
		AchievementCount: len(req.Achievements),
	})
	if err != nil {
		return nil, failed(KindLocalStore, state, err)
	}

	res := achievementResult(stored, false)
	res.Motif = img.Motif
	return res, nil
}

// recoverAlreadyCompleted converges local state after the ledger reported the
// session as already completed: return the persisted achievement when we have
// one, otherwise rebuild it from the ledger entry and the deterministic image.
func (o *Orchestrator) recoverAlreadyCompleted(ctx context.Context, req Request, facts artifact.SessionFacts, externalID uint64, state State) (*Result, error) {
	if a, err := o.store.GetAchievementBySessionID(ctx, req.SessionID); err == nil {
		o.finishLocal(ctx, req.SessionID, req.Summary)
		return achievementResult(a, true), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, failed(KindLocalStore, state, err)
	}

	// No local record of the mint: the ledger entry is the source of truth.
	var entry *ledger.SessionEntry
	err := o.retry(ctx, func() error {
		var rerr error
		entry, rerr = o.ledger.GetSessionByInternalID(ctx, req.SessionID)
		return rerr
	})
	if err != nil {
		return nil, o.classify(err, state)
	}
	if entry.TokenID == nil {
		// completed on ledger but never minted — the prior attempt died
		// between steps; resume from upload+mint using the ledger's facts
		facts.Summary = entry.Summary
		facts.DurationMinutes = entry.Duration
		facts.MoodScore = entry.MoodScore
		facts.Achievements = entry.Achievements
		return o.resumeMint(ctx, req, facts, externalID, state)
	}

	// Re-uploading the byte-identical image recovers its content address.
	img, err := artifact.GenerateImage(facts)
	if err != nil {
		return nil, failed(KindPermanent, state, err)
	}
	imageAddr, err := o.uploadImage(ctx, req.SessionID, img)
	if err != nil {
		return nil, o.classify(err, state)
	}

	stored, _, err := o.store.CreateAchievementOrGetExisting(ctx, &session.Achievement{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		ExternalID:       entry.ExternalID,
		ImageAddress:     imageAddr,
		MetadataAddress:  entry.MetadataAddress,
		TokenID:          *entry.TokenID,
		DurationMinutes:  entry.Duration,
		MoodScore:        entry.MoodScore,
		AchievementCount: len(entry.Achievements),
	})
	if err != nil {
		return nil, failed(KindLocalStore, state, err)
	}
	o.finishLocal(ctx, req.SessionID, entry.Summary)
	return achievementResult(stored, true), nil
}

// resumeMint finishes the artifact/mint tail of a crashed attempt whose ledger
// completion already confirmed.
func (o *Orchestrator) resumeMint(ctx context.Context, req Request, facts artifact.SessionFacts, externalID uint64, state State) (*Result, error) {
	o.finishLocal(ctx, req.SessionID, facts.Summary)

	img, err := artifact.GenerateImage(facts)
	if err != nil {
		return nil, failed(KindPermanent, state, err)
	}
	imageAddr, err := o.uploadImage(ctx, req.SessionID, img)
	if err != nil {
		return nil, o.classify(err, state)
	}
	metadataAddr, err := o.uploadMetadata(ctx, req.SessionID, facts, externalID, imageAddr)
	if err != nil {
		return nil, o.classify(err, state)
	}
	state = StateArtifactUploaded

	var tokenID uint64
	err = o.retry(ctx, func() error {
		var rerr error
		tokenID, rerr = o.ledger.MintAchievementToken(ctx, req.OwnerAddress, metadataAddr, ledger.Facts{
			ExternalID:   externalID,
			Timestamp:    time.Now().Unix(),
			Summary:      facts.Summary,
			Topics:       req.Topics,
			Duration:     facts.DurationMinutes,
			MoodScore:    facts.MoodScore,
			Achievements: facts.Achievements,
			Completed:    true,
		})
		return rerr
	})
	if err != nil {
		return nil, o.classify(err, state)
	}

	stored, _, err := o.store.CreateAchievementOrGetExisting(ctx, &session.Achievement{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		ExternalID:       externalID,
		ImageAddress:     imageAddr,
		MetadataAddress:  metadataAddr,
		TokenID:          tokenID,
		DurationMinutes:  facts.DurationMinutes,
		MoodScore:        facts.MoodScore,
		AchievementCount: len(facts.Achievements),
	})
	if err != nil {
		return nil, failed(KindLocalStore, StateTokenMinted, err)
	}
	res := achievementResult(stored, false)
	res.Motif = img.Motif
	return res, nil
}

func (o *Orchestrator) uploadImage(ctx context.Context, sessionID string, img artifact.Image) (string, error) {
	var addr string
	err := o.retry(ctx, func() error {
		var rerr error
		addr, rerr = o.content.Upload(ctx, img.PNG, "image/png", fmt.Sprintf("session-%s.png", sessionID))
		return rerr
	})
	return addr, err
}

func (o *Orchestrator) uploadMetadata(ctx context.Context, sessionID string, facts artifact.SessionFacts, externalID uint64, imageAddr string) (string, error) {
	doc, err := artifact.BuildMetadata(facts, externalID, imageAddr)
	if err != nil {
		return "", &ledger.PermanentError{Code: "bad_metadata", Message: err.Error()}
	}
	var addr string
	err = o.retry(ctx, func() error {
		var rerr error
		addr, rerr = o.content.Upload(ctx, doc, "application/json", fmt.Sprintf("metadata-%s.json", sessionID))
		return rerr
	})
	return addr, err
}

func (o *Orchestrator) resolveMood(ctx context.Context, req Request) (int, error) {
	if req.MoodScore != nil {
		s := *req.MoodScore
		if s < 0 || s > 10 {
			return 0, fmt.Errorf("mood score %d out of range", s)
		}
		return s, nil
	}
	if o.scorer == nil {
		return 0, errors.New("no mood scorer configured")
	}
	return o.scorer.Score(ctx, req.UserID, req.SessionID)
}

// finishLocal converges the local row onto completed; tolerates rows that are
// already terminal.
func (o *Orchestrator) finishLocal(ctx context.Context, sessionID, summary string) {
	if err := o.store.MarkCompleted(ctx, sessionID, summary); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("completion: mark completed session=%s err=%v", sessionID, err)
	}
}

// revert undoes the local intent write after a fatal pre-ledger failure, but
// never when resuming a prior attempt that may have touched the ledger.
func (o *Orchestrator) revert(sessionID string, resuming bool) {
	if resuming {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.RevertCompleting(rctx, sessionID); err != nil {
		log.Printf("completion: revert session=%s err=%v", sessionID, err)
	}
}

// retry runs op with bounded exponential backoff, stopping immediately on
// non-retryable errors and on context end.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(o.baseDelay, attempt)):
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ledger.ErrAlreadyCompleted) || errors.Is(err, ledger.ErrNotFound) {
		return false
	}
	var perm *ledger.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return ledger.IsTransient(err)
}

func retryDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return baseDelay
	}
	backoff := baseDelay << (attempt - 1)
	jitter := time.Duration(attempt) * 25 * time.Millisecond
	if jitter > 100*time.Millisecond {
		jitter = 100 * time.Millisecond
	}
	return backoff + jitter
}

func (o *Orchestrator) classify(err error, last State) *Error {
	var perm *ledger.PermanentError
	if errors.As(err, &perm) {
		return failed(KindPermanent, last, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failed(KindTransient, last, err)
	}
	if ledger.IsTransient(err) {
		return failed(KindTransient, last, err)
	}
	return failed(KindPermanent, last, err)
}

func achievementResult(a *session.Achievement, alreadyDone bool) *Result {
	return &Result{
		ExternalID:      a.ExternalID,
		ImageAddress:    a.ImageAddress,
		MetadataAddress: a.MetadataAddress,
		TokenID:         a.TokenID,
		Motif:           artifact.MotifFor(a.DurationMinutes),
		AlreadyDone:     alreadyDone,
	}
}
