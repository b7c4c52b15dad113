package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

// fakeGateway is a minimal in-memory contract gateway: create/complete/mint
// submit transactions that confirm after one poll.
type fakeGateway struct {
	mu        sync.Mutex
	sessions  map[string]*SessionEntry // by internal id
	txSeq     int
	txs       map[string]*txStatusResp
	nextToken uint64

	// failNextComplete injects one transient failure on the complete endpoint
	failNextComplete bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:  make(map[string]*SessionEntry),
		txs:       make(map[string]*txStatusResp),
		nextToken: 100,
	}
}

func (g *fakeGateway) newTx(st *txStatusResp) string {
	g.txSeq++
	hash := fmt.Sprintf("0xtx%04d", g.txSeq)
	g.txs[hash] = st
	return hash
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /contract/0xc0ffee/sessions", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		if r.Header.Get("X-Ledger-Signature") == "" {
			writeErr(w, http.StatusBadRequest, "missing_signature", "unsigned payload")
			return
		}

		var body struct {
			ExternalID  uint64   `json:"external_id"`
			InternalID  string   `json:"internal_id"`
			Participant string   `json:"participant"`
			Topics      []string `json:"topics"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if _, exists := g.sessions[body.InternalID]; exists {
			writeErr(w, http.StatusConflict, "session_exists", "internal id already bound")
			return
		}
		g.sessions[body.InternalID] = &SessionEntry{
			ExternalID:  body.ExternalID,
			InternalID:  body.InternalID,
			Participant: body.Participant,
			Topics:      body.Topics,
		}
		hash := g.newTx(&txStatusResp{Status: "confirmed", Confirmations: 3})
		_ = json.NewEncoder(w).Encode(submitResp{TxHash: hash})
	})

	mux.HandleFunc("POST /contract/0xc0ffee/sessions/{internal}/complete", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		if g.failNextComplete {
			g.failNextComplete = false
			writeErr(w, http.StatusServiceUnavailable, "congested", "try later")
			return
		}

		entry, ok := g.sessions[r.PathValue("internal")]
		if !ok {
			writeErr(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		if entry.Completed {
			writeErr(w, http.StatusConflict, "already_completed", "completion flag set")
			return
		}

		var body struct {
			Summary      string   `json:"summary"`
			Duration     int      `json:"duration"`
			MoodScore    int      `json:"mood_score"`
			Achievements []string `json:"achievements"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		entry.Completed = true
		entry.Summary = body.Summary
		entry.Duration = body.Duration
		entry.MoodScore = body.MoodScore
		entry.Achievements = body.Achievements

		hash := g.newTx(&txStatusResp{Status: "confirmed", Confirmations: 3})
		_ = json.NewEncoder(w).Encode(submitResp{TxHash: hash})
	})

	mux.HandleFunc("POST /contract/0xc0ffee/tokens", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		var body struct {
			Owner           string `json:"owner"`
			MetadataAddress string `json:"metadata_address"`
			Facts           Facts  `json:"facts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		g.nextToken++
		token := g.nextToken
		for _, e := range g.sessions {
			if e.ExternalID == body.Facts.ExternalID {
				e.TokenID = &token
				e.MetadataAddress = body.MetadataAddress
			}
		}
		hash := g.newTx(&txStatusResp{Status: "confirmed", Confirmations: 3, TokenID: &token})
		_ = json.NewEncoder(w).Encode(submitResp{TxHash: hash})
	})

	mux.HandleFunc("GET /contract/0xc0ffee/sessions/{internal}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		entry, ok := g.sessions[r.PathValue("internal")]
		if !ok {
			writeErr(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		_ = json.NewEncoder(w).Encode(entry)
	})

	mux.HandleFunc("GET /contract/0xc0ffee/sessions/by-external/{external}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, e := range g.sessions {
			if fmt.Sprintf("%d", e.ExternalID) == r.PathValue("external") {
				_ = json.NewEncoder(w).Encode(e)
				return
			}
		}
		writeErr(w, http.StatusNotFound, "not_found", "no such session")
	})

	mux.HandleFunc("GET /tx/{hash}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		st, ok := g.txs[r.PathValue("hash")]
		if !ok {
			writeErr(w, http.StatusNotFound, "not_found", "no such tx")
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	})

	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)

	signer, err := NewSignerFromHex(testSeed)
	require.NoError(t, err)

	c := NewClient(srv.URL, "0xc0ffee", 2, signer)
	c.PollInterval = time.Millisecond
	return c, gw
}

func TestEnsureSessionExists_CreatesOnce(t *testing.T) {
	c, gw := newTestClient(t)
	ctx := context.Background()

	ext1, err := c.EnsureSessionExists(ctx, "uuid-1", "0xowner", []string{"anxiety"})
	require.NoError(t, err)
	require.NotZero(t, ext1)

	// second call recovers the existing external id instead of minting a new one
	ext2, err := c.EnsureSessionExists(ctx, "uuid-1", "0xowner", nil)
	require.NoError(t, err)
	require.Equal(t, ext1, ext2)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.sessions, 1)
}

func TestCompleteSession_AlreadyCompleted(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.EnsureSessionExists(ctx, "uuid-2", "0xowner", nil)
	require.NoError(t, err)

	conf, err := c.CompleteSession(ctx, "uuid-2", "good talk", 20, 6, []string{"a"})
	require.NoError(t, err)
	require.NotEmpty(t, conf.TxHash)
	require.GreaterOrEqual(t, conf.Confirmations, 2)

	_, err = c.CompleteSession(ctx, "uuid-2", "good talk", 20, 6, []string{"a"})
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCompleteSession_TransientSurfacesAsRetryable(t *testing.T) {
	c, gw := newTestClient(t)
	ctx := context.Background()

	_, err := c.EnsureSessionExists(ctx, "uuid-3", "0xowner", nil)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.failNextComplete = true
	gw.mu.Unlock()

	_, err = c.CompleteSession(ctx, "uuid-3", "s", 10, 5, nil)
	require.Error(t, err)
	require.True(t, IsTransient(err), "503 should classify transient, got %v", err)

	// plain retry succeeds
	_, err = c.CompleteSession(ctx, "uuid-3", "s", 10, 5, nil)
	require.NoError(t, err)
}

func TestMintAchievementToken(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ext, err := c.EnsureSessionExists(ctx, "uuid-4", "0xowner", nil)
	require.NoError(t, err)
	_, err = c.CompleteSession(ctx, "uuid-4", "s", 10, 5, nil)
	require.NoError(t, err)

	tokenID, err := c.MintAchievementToken(ctx, "0xowner", "ipfs://meta", Facts{
		ExternalID: ext,
		Summary:    "s",
		Duration:   10,
		MoodScore:  5,
		Completed:  true,
	})
	require.NoError(t, err)
	require.NotZero(t, tokenID)

	entry, err := c.GetSessionByInternalID(ctx, "uuid-4")
	require.NoError(t, err)
	require.NotNil(t, entry.TokenID)
	require.Equal(t, tokenID, *entry.TokenID)
	require.Equal(t, "ipfs://meta", entry.MetadataAddress)
}

func TestBridge_Roundtrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	bridge := NewBridge(c)

	_, err := bridge.ExternalIDFor(ctx, "missing-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	ext, err := c.EnsureSessionExists(ctx, "uuid-5", "0xowner", nil)
	require.NoError(t, err)

	got, err := bridge.ExternalIDFor(ctx, "uuid-5")
	require.NoError(t, err)
	require.Equal(t, ext, got)

	internal, err := bridge.InternalIDFor(ctx, ext)
	require.NoError(t, err)
	require.Equal(t, "uuid-5", internal)
}

func TestNewExternalID_TimestampShape(t *testing.T) {
	id := NewExternalID()
	require.Greater(t, id, uint64(1_000_000_000_000_000))
	require.Less(t, id%1000, uint64(1000))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(statusError{statusCode: http.StatusTooManyRequests}))
	require.True(t, IsTransient(statusError{statusCode: http.StatusServiceUnavailable}))
	require.False(t, IsTransient(statusError{statusCode: http.StatusBadRequest}))
	require.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	require.False(t, IsTransient(&PermanentError{Code: "bad_input", Message: "nope"}))
	require.False(t, IsTransient(nil))
}

func TestSignerAddressStable(t *testing.T) {
	s1, err := NewSignerFromHex(testSeed)
	require.NoError(t, err)
	s2, err := NewSignerFromHex(testSeed)
	require.NoError(t, err)
	require.Equal(t, s1.Address(), s2.Address())
	require.True(t, strings.HasPrefix(s1.Address(), "0x"))
	require.Len(t, s1.Address(), 42)

	sig, err := s1.Sign([]byte("payload"))
	require.NoError(t, err)
	require.Len(t, sig, 64)
}
