package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gowebpki/jcs"
)

// Client talks to the contract gateway in front of the therapy-consent
// contract. Every mutation is signed, submitted, and then polled until the
// transaction reaches the confirmation threshold; a submitted-but-unconfirmed
// transaction never counts as success.
type Client struct {
	BaseURL       string
	ContractAddr  string
	Confirmations int
	Signer        Signer
	HTTPClient    *http.Client

	// PollInterval is the base delay between tx-status polls.
	PollInterval time.Duration
}

func NewClient(baseURL, contractAddr string, confirmations int, signer Signer) *Client {
	if confirmations <= 0 {
		confirmations = 2
	}
	return &Client{
		BaseURL:       baseURL,
		ContractAddr:  contractAddr,
		Confirmations: confirmations,
		Signer:        signer,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		PollInterval:  500 * time.Millisecond,
	}
}

// SessionEntry mirrors the contract-side session record.
type SessionEntry struct {
	ExternalID   uint64   `json:"external_id"`
	InternalID   string   `json:"internal_id"`
	Participant  string   `json:"participant"`
	Completed    bool     `json:"completed"`
	Summary      string   `json:"summary"`
	Duration     int      `json:"duration"`
	MoodScore    int      `json:"mood_score"`
	Achievements []string `json:"achievements"`
	Topics       []string `json:"topics"`

	// set once an achievement token referencing this session was minted
	TokenID         *uint64 `json:"token_id,omitempty"`
	MetadataAddress string  `json:"metadata_address,omitempty"`
}

// Facts is the session snapshot recorded alongside a minted token.
type Facts struct {
	ExternalID   uint64   `json:"session_id"`
	Timestamp    int64    `json:"timestamp"`
	Summary      string   `json:"summary"`
	Topics       []string `json:"topics"`
	Duration     int      `json:"duration"`
	MoodScore    int      `json:"mood_score"`
	Achievements []string `json:"achievements"`
	Completed    bool     `json:"completed"`
}

type Confirmation struct {
	TxHash        string
	Confirmations int
}

type submitResp struct {
	TxHash string `json:"tx_hash"`
}

type txStatusResp struct {
	Status        string  `json:"status"` // pending | confirmed | failed
	Confirmations int     `json:"confirmations"`
	TokenID       *uint64 `json:"token_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewExternalID mints a candidate external identifier: millisecond timestamp
// scaled by 1000 plus a random tie-breaker, so concurrent creations do not
// collide. The gateway uniqueness check on the internal ID is the real guard.
func NewExternalID() uint64 {
	return uint64(time.Now().UnixMilli())*1000 + uint64(rand.Intn(1000))
}

// EnsureSessionExists creates the ledger-side session record, idempotently.
// If the contract reports a record already bound to internalID, the existing
// external identifier is read back and returned; that path is not an error.
// Catch-and-recover rather than pre-check, so concurrent submitters cannot
// race past a lookup.
func (c *Client) EnsureSessionExists(ctx context.Context, internalID, participant string, topics []string) (uint64, error) {
	externalID := NewExternalID()
	if topics == nil {
		topics = []string{}
	}

	payload := map[string]any{
		"external_id": externalID,
		"internal_id": internalID,
		"participant": participant,
		"topics":      topics,
	}

	var out submitResp
	err := c.postSigned(ctx, fmt.Sprintf("/contract/%s/sessions", c.ContractAddr), payload, &out)
	if err != nil {
		if errors.Is(err, errSessionExists) {
			entry, getErr := c.GetSessionByInternalID(ctx, internalID)
			if getErr != nil {
				return 0, fmt.Errorf("read back existing session: %w", getErr)
			}
			return entry.ExternalID, nil
		}
		return 0, err
	}

	if _, err := c.waitConfirmed(ctx, out.TxHash); err != nil {
		// Confirmation can still surface the uniqueness rejection when two
		// creates raced onto the chain.
		if errors.Is(err, errSessionExists) {
			entry, getErr := c.GetSessionByInternalID(ctx, internalID)
			if getErr != nil {
				return 0, fmt.Errorf("read back existing session: %w", getErr)
			}
			return entry.ExternalID, nil
		}
		return 0, err
	}
	return externalID, nil
}

// CompleteSession submits the completion transaction. Returns
// ErrAlreadyCompleted when the ledger-side flag is already set.
func (c *Client) CompleteSession(ctx context.Context, internalID, summary string, durationMinutes, moodScore int, achievements []string) (*Confirmation, error) {
	if achievements == nil {
		achievements = []string{}
	}
	payload := map[string]any{
		"summary":      summary,
		"duration":     durationMinutes,
		"mood_score":   moodScore,
		"achievements": achievements,
	}

	var out submitResp
	path := fmt.Sprintf("/contract/%s/sessions/%s/complete", c.ContractAddr, internalID)
	if err := c.postSigned(ctx, path, payload, &out); err != nil {
		return nil, err
	}

	st, err := c.waitConfirmed(ctx, out.TxHash)
	if err != nil {
		return nil, err
	}
	return &Confirmation{TxHash: out.TxHash, Confirmations: st.Confirmations}, nil
}

// MintAchievementToken mints exactly one token referencing metadataAddress.
// Must only be called after CompleteSession has confirmed.
func (c *Client) MintAchievementToken(ctx context.Context, owner, metadataAddress string, facts Facts) (uint64, error) {
	payload := map[string]any{
		"owner":            owner,
		"metadata_address": metadataAddress,
		"facts":            facts,
	}

	var out submitResp
	path := fmt.Sprintf("/contract/%s/tokens", c.ContractAddr)
	if err := c.postSigned(ctx, path, payload, &out); err != nil {
		return 0, err
	}

	st, err := c.waitConfirmed(ctx, out.TxHash)
	if err != nil {
		return 0, err
	}
	if st.TokenID == nil {
		return 0, &PermanentError{Code: "missing_token_id", Message: "confirmed mint carried no token id"}
	}
	return *st.TokenID, nil
}

func (c *Client) GetSessionByInternalID(ctx context.Context, internalID string) (*SessionEntry, error) {
	var entry SessionEntry
	path := fmt.Sprintf("/contract/%s/sessions/%s", c.ContractAddr, internalID)
	if err := c.get(ctx, path, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) GetSessionByExternalID(ctx context.Context, externalID uint64) (*SessionEntry, error) {
	var entry SessionEntry
	path := fmt.Sprintf("/contract/%s/sessions/by-external/%d", c.ContractAddr, externalID)
	if err := c.get(ctx, path, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// waitConfirmed polls tx status until the confirmation threshold is reached,
// the chain rejects the transaction, or ctx ends.
func (c *Client) waitConfirmed(ctx context.Context, txHash string) (*txStatusResp, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		var st txStatusResp
		if err := c.get(ctx, fmt.Sprintf("/tx/%s", txHash), &st); err != nil {
			return nil, err
		}

		switch st.Status {
		case "confirmed":
			if st.Confirmations >= c.Confirmations {
				return &st, nil
			}
		case "failed":
			switch st.Reason {
			case "session_exists":
				return nil, errSessionExists
			case "already_completed":
				return nil, ErrAlreadyCompleted
			default:
				return nil, &PermanentError{Code: "tx_failed", Message: st.Reason}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) postSigned(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// sign the RFC 8785 canonical form so gateway-side verification is
	// independent of field ordering
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	sig, err := c.Signer.Sign(canonical)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(canonical))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledger-Address", c.Signer.Address())
	req.Header.Set("X-Ledger-Signature", hex.EncodeToString(sig))

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		return errors.New("ledger: http client is nil")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var envelope errorEnvelope
	if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error.Code != "" {
		switch envelope.Error.Code {
		case "session_exists":
			return errSessionExists
		case "already_completed":
			return ErrAlreadyCompleted
		case "not_found":
			return ErrNotFound
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &PermanentError{Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return statusError{statusCode: resp.StatusCode}
}
