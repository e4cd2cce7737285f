package clients

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inomad/custody-backend/api/unsealapi"
	"github.com/inomad/custody-backend/kms"
)

// UnsealClient talks to the walletd operator API on behalf of one operator.
type UnsealClient struct {
	baseURL    string
	operatorID string
	key        crypto.Signer
	httpClient *http.Client
}

// NewUnsealClient creates a client for baseURL, e.g. "http://127.0.0.1:8081".
// A zero timeout means 30 seconds.
func NewUnsealClient(baseURL, operatorID string, key crypto.Signer, timeout time.Duration) *UnsealClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &UnsealClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		operatorID: operatorID,
		key:        key,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status returns the unseal progress. It needs no signature.
func (c *UnsealClient) Status(ctx context.Context) (*unsealapi.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var status unsealapi.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// SubmitShare signs share and submits it.
func (c *UnsealClient) SubmitShare(ctx context.Context, share []byte) (*unsealapi.SubmitShareResponse, error) {
	sig, err := kms.SignShare(share, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign share: %w", err)
	}
	body, err := json.Marshal(unsealapi.SubmitShareRequest{
		Share:     base64.StdEncoding.EncodeToString(share),
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedOperatorRequest(ctx, http.MethodPost, c.baseURL+"/admin/share", body, c.operatorID, c.key)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("share submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("share submission failed with code %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result unsealapi.SubmitShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse share response: %w", err)
	}
	return &result, nil
}

// CreateSignedOperatorRequest builds a request carrying the operator id and
// a signature over sha256(path || body).
func CreateSignedOperatorRequest(ctx context.Context, method, url string, body []byte, operatorID string, key crypto.Signer) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	sig, err := kms.SignDigest(key, unsealapi.RequestDigest(req.URL.Path, body))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(unsealapi.OperatorIDHeader, operatorID)
	req.Header.Set(unsealapi.SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	return req, nil
}
