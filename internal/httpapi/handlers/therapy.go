package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hazelqin/mindmint/internal/common"
	"github.com/hazelqin/mindmint/internal/completion"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/models"
	"github.com/hazelqin/mindmint/internal/session"
)

type createSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateTherapySession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	rec, err := h.SessionSvc.CreateSession(c.Request.Context(), uid, req.Title)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{
		"session_id": rec.SessionID,
		"status":     rec.Status,
		"title":      rec.Title,
	})
}

func (h *Handler) GetTherapySession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	rec, err := h.SessionSvc.GetOwnedSession(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"session": rec})
}

func (h *Handler) ListTherapySessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.SessionSvc.ListSessions(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list sessions")
		return
	}
	common.OK(c, gin.H{"sessions": recs})
}

func (h *Handler) CancelTherapySession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := h.SessionSvc.CancelSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "session not found")
			return
		}
		common.Fail(c, http.StatusConflict, 40901, "session is not cancellable")
		return
	}
	common.OK(c, nil)
}

type completeSessionReq struct {
	Summary         string   `json:"summary" binding:"required"`
	DurationMinutes int      `json:"duration_minutes" binding:"required"`
	MoodScore       *int     `json:"mood_score"`
	Achievements    []string `json:"achievements"`
	Topics          []string `json:"topics"`
}

func (h *Handler) ownerFor(c *gin.Context, uid uint64) string {
	var user models.User
	if err := h.DB.First(&user, uid).Error; err == nil && user.WalletAddress != "" {
		return user.WalletAddress
	}
	return h.DefaultOwner
}

// CompleteTherapySession runs the completion workflow synchronously; the call
// blocks until terminal state or typed failure.
func (h *Handler) CompleteTherapySession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req completeSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.Completer.Complete(c.Request.Context(), completion.Request{
		UserID:          uid,
		SessionID:       c.Param("session_id"),
		Summary:         req.Summary,
		DurationMinutes: req.DurationMinutes,
		MoodScore:       req.MoodScore,
		Achievements:    req.Achievements,
		Topics:          req.Topics,
		OwnerAddress:    h.ownerFor(c, uid),
	})
	if err != nil {
		h.failCompletion(c, err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) failCompletion(c *gin.Context, err error) {
	var cerr *completion.Error
	if !errors.As(err, &cerr) {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	log.Printf("[CompleteTherapySession] kind=%s last_state=%s err=%v", cerr.Kind, cerr.LastState, cerr.Err)

	body := gin.H{
		"code":                 codeForKind(cerr.Kind),
		"message":              cerr.Kind,
		"data":                 nil,
		"resumable_from_state": cerr.LastState,
	}
	switch cerr.Kind {
	case completion.KindInvalidState:
		c.JSON(http.StatusConflict, body)
	case completion.KindTransient:
		c.JSON(http.StatusServiceUnavailable, body)
	case completion.KindPermanent:
		c.JSON(http.StatusBadGateway, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}

func codeForKind(k completion.Kind) int {
	switch k {
	case completion.KindInvalidState:
		return 40910
	case completion.KindTransient:
		return 50310
	case completion.KindPermanent:
		return 50210
	default:
		return 50010
	}
}

// CompleteTherapySessionAsync queues the completion as a job; the worker runs
// the same orchestrator. Idempotency-Key makes retried requests reuse the
// original job.
func (h *Handler) CompleteTherapySessionAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req completeSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sessionID := c.Param("session_id")
	if _, err := h.SessionSvc.GetOwnedSession(c.Request.Context(), uid, sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	achJSON, err := json.Marshal(req.Achievements)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid achievements")
		return
	}

	moodScore := -1 // -1 -> resolve via scorer
	if req.MoodScore != nil {
		moodScore = *req.MoodScore
	}

	j := &session.CompletionJob{
		ID:              jobID,
		UserID:          uid,
		SessionID:       sessionID,
		Summary:         req.Summary,
		DurationMinutes: req.DurationMinutes,
		MoodScore:       moodScore,
		Achievements:    string(achJSON),
		IdempotencyKey:  idempoKeyPtr,
		Status:          session.JobQueued,
	}

	j, created, err := h.SessionSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("[CompleteTherapySessionAsync] create job uid=%d session_id=%s err=%v", uid, sessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishCompletion(c.Request.Context(), j.ID, sessionID); err != nil {
			log.Printf("[CompleteTherapySessionAsync] publish uid=%d session_id=%s job_id=%s err=%v", uid, sessionID, j.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetCompletionJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.SessionSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":               j.ID,
			"session_id":       j.SessionID,
			"status":           j.Status,
			"external_id":      j.ExternalID,
			"image_address":    j.ImageAddress,
			"metadata_address": j.MetadataAddress,
			"token_id":         j.TokenID,
			"error":            j.Error,
			"created_at":       j.CreatedAt,
			"updated_at":       j.UpdatedAt,
		},
	})
}

// GetSessionLedgerRef resolves the caller's session to its ledger-assigned
// external identifier through the identifier bridge.
func (h *Handler) GetSessionLedgerRef(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")
	if _, err := h.SessionSvc.GetOwnedSession(c.Request.Context(), uid, sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	externalID, err := h.Bridge.ExternalIDFor(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// not a failure: the ledger half is created lazily on completion
			common.Fail(c, http.StatusNotFound, 40405, "session not recorded on ledger yet")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50211, "ledger lookup failed")
		return
	}

	common.OK(c, gin.H{
		"session_id":  sessionID,
		"external_id": externalID,
	})
}

// ResolveLedgerSession maps a ledger external identifier back onto the
// caller's session. Foreign or unknown identifiers read as not found.
func (h *Handler) ResolveLedgerSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	externalID, err := strconv.ParseUint(c.Param("external_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid external id")
		return
	}

	internalID, err := h.Bridge.InternalIDFor(c.Request.Context(), externalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40405, "no session for this external id")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50211, "ledger lookup failed")
		return
	}

	rec, err := h.SessionSvc.GetOwnedSession(c.Request.Context(), uid, internalID)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40405, "no session for this external id")
		return
	}

	common.OK(c, gin.H{
		"session_id":  rec.SessionID,
		"external_id": externalID,
		"status":      rec.Status,
	})
}

func (h *Handler) ListAchievements(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	achievements, err := h.SessionSvc.ListAchievements(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list achievements")
		return
	}
	common.OK(c, gin.H{"achievements": achievements})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
