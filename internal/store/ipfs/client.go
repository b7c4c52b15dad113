package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const addressScheme = "ipfs://"

// ToAddress renders a CID in the scheme-prefixed form stored on the ledger.
func ToAddress(cid string) string { return addressScheme + cid }

// CID strips the scheme prefix from an address.
func CID(address string) string { return strings.TrimPrefix(address, addressScheme) }

// Client uploads immutable blobs to a pin service and reads them back through
// its gateway. Identical bytes yield the identical content address, which the
// completion workflow relies on for safe re-upload.
type Client struct {
	BaseURL    string
	GatewayURL string
	JWT        string
	HTTPClient *http.Client
}

func NewClient(baseURL, gatewayURL, jwt string) *Client {
	return &Client{
		BaseURL:    baseURL,
		GatewayURL: gatewayURL,
		JWT:        jwt,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type pinResp struct {
	IpfsHash string `json:"IpfsHash"`
}

// StatusError is a non-2xx response from the pin service or its gateway.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ipfs: %s status %d", e.Op, e.StatusCode)
}

// Transient reports whether a retry could succeed: congestion and server-side
// failures, never client errors.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Upload pins the blob and returns its ipfs:// address.
func (c *Client) Upload(ctx context.Context, data []byte, contentType, name string) (string, error) {
	if c.HTTPClient == nil {
		return "", errors.New("ipfs: http client is nil")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := c.BaseURL + "/pinning/pinFileToIPFS"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.JWT)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Op: "pin", StatusCode: resp.StatusCode}
	}

	var decoded pinResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.IpfsHash == "" {
		return "", errors.New("ipfs: pin response missing hash")
	}
	return ToAddress(decoded.IpfsHash), nil
}

// Fetch reads a pinned blob back through the gateway.
func (c *Client) Fetch(ctx context.Context, address string) ([]byte, error) {
	if c.HTTPClient == nil {
		return nil, errors.New("ipfs: http client is nil")
	}

	url := fmt.Sprintf("%s/ipfs/%s", c.GatewayURL, CID(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: "gateway", StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
