package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hazelqin/mindmint/internal/httpapi/middleware"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/session"
)

const testExternalID uint64 = 1700000000000321

// ledgerRefFixture wires a real bridge over a fake gateway that knows exactly
// one session: the one owned by user 1.
func ledgerRefFixture(t *testing.T) (*gin.Engine, *session.Record, *session.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&session.Record{}, &session.Achievement{}))

	repo := session.NewRepo(db)
	svc := session.NewService(repo)
	rec, err := svc.CreateSession(context.Background(), 1, "Bridge Session")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /contract/0xc0ffee/sessions/by-external/{ext}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("ext") != strconv.FormatUint(testExternalID, 10) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.SessionEntry{ExternalID: testExternalID, InternalID: rec.SessionID})
	})
	mux.HandleFunc("GET /contract/0xc0ffee/sessions/{internal}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("internal") != rec.SessionID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.SessionEntry{ExternalID: testExternalID, InternalID: rec.SessionID})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := ledger.NewClient(srv.URL, "0xc0ffee", 1, nil)
	h := &Handler{DB: db, SessionSvc: svc, Bridge: ledger.NewBridge(client)}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if v := c.GetHeader("X-Test-User"); v != "" {
			uid, _ := strconv.ParseUint(v, 10, 64)
			c.Set(middleware.UserIDKey, uid)
		}
	})
	r.GET("/therapy/sessions/:session_id/ledger", h.GetSessionLedgerRef)
	r.GET("/therapy/ledger/:external_id", h.ResolveLedgerSession)
	return r, rec, svc
}

func doLedgerRef(r *gin.Engine, path, userID string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Test-User", userID)
	r.ServeHTTP(w, req)
	return w
}

func TestGetSessionLedgerRef(t *testing.T) {
	r, rec, _ := ledgerRefFixture(t)

	w := doLedgerRef(r, "/therapy/sessions/"+rec.SessionID+"/ledger", "1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Code int `json:"code"`
		Data struct {
			SessionID  string `json:"session_id"`
			ExternalID uint64 `json:"external_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Zero(t, body.Code)
	require.Equal(t, rec.SessionID, body.Data.SessionID)
	require.Equal(t, testExternalID, body.Data.ExternalID)
}

func TestGetSessionLedgerRef_ForeignSessionHidden(t *testing.T) {
	r, rec, _ := ledgerRefFixture(t)

	w := doLedgerRef(r, "/therapy/sessions/"+rec.SessionID+"/ledger", "2")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSessionLedgerRef_NotOnLedgerYet(t *testing.T) {
	r, _, svc := ledgerRefFixture(t)

	// a second session that exists locally but was never created on the ledger
	fresh, err := svc.CreateSession(context.Background(), 1, "Unsynced Session")
	require.NoError(t, err)

	w := doLedgerRef(r, "/therapy/sessions/"+fresh.SessionID+"/ledger", "1")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 40405, body.Code, "missing ledger record is its own condition, not a missing session")
}

func TestResolveLedgerSession(t *testing.T) {
	r, rec, _ := ledgerRefFixture(t)

	w := doLedgerRef(r, fmt.Sprintf("/therapy/ledger/%d", testExternalID), "1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, rec.SessionID, body.Data.SessionID)
	require.Equal(t, string(session.StatusInProgress), body.Data.Status)
}

func TestResolveLedgerSession_ForeignOrUnknown(t *testing.T) {
	r, _, _ := ledgerRefFixture(t)

	// owned by user 1; user 2 must not learn the mapping
	w := doLedgerRef(r, fmt.Sprintf("/therapy/ledger/%d", testExternalID), "2")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doLedgerRef(r, "/therapy/ledger/42", "1")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doLedgerRef(r, "/therapy/ledger/not-a-number", "1")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
