package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"permagate/internal/arweave"
	"permagate/internal/winston"
)

// Config configures the HTTP gateway client.
type Config struct {
	// URL is the primary gateway base URL.
	URL string

	// MirrorURLs are public gateways that receive best-effort copies of
	// seeded chunks.
	MirrorURLs []string

	// Timeout bounds each request.
	Timeout time.Duration
}

// HTTPClient implements Client against an Arweave HTTP gateway.
type HTTPClient struct {
	baseURL    string
	mirrorURLs []string
	httpClient *http.Client
}

// New creates a gateway client.
func New(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		mirrorURLs: cfg.MirrorURLs,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetPriceForBytes(ctx context.Context, byteCount int64) (winston.Winston, error) {
	url := fmt.Sprintf("%s/price/%d", c.baseURL, byteCount)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return winston.Zero(), err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return winston.Zero(), fmt.Errorf("gateway price request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return winston.Zero(), fmt.Errorf("failed to read gateway price response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return winston.Zero(), fmt.Errorf("gateway price returned %d: %s", resp.StatusCode, string(body))
	}

	price, err := winston.FromString(strings.TrimSpace(string(body)))
	if err != nil {
		return winston.Zero(), fmt.Errorf("gateway returned unparseable price %q: %w", string(body), err)
	}
	return price, nil
}

func (c *HTTPClient) GetBlockHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("gateway info returned %d: %s", resp.StatusCode, string(body))
	}

	var info struct {
		Height int64 `json:"height"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("failed to decode gateway info: %w", err)
	}
	return info.Height, nil
}

func (c *HTTPClient) GetTxAnchor(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx_anchor", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway anchor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read gateway anchor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway anchor returned %d: %s", resp.StatusCode, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *HTTPClient) PostTx(ctx context.Context, tx *arweave.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway tx post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &TxRejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return fmt.Errorf("gateway tx post returned %d: %s", resp.StatusCode, string(body))
}

// PostChunk uploads a chunk to the primary gateway, then mirrors it
// best-effort. Mirror failures are logged and never fail the upload.
func (c *HTTPClient) PostChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	if err := c.postChunkTo(ctx, c.baseURL, payload); err != nil {
		return err
	}

	for _, mirror := range c.mirrorURLs {
		if err := c.postChunkTo(ctx, strings.TrimRight(mirror, "/"), payload); err != nil {
			slog.Warn("failed to mirror chunk", "mirror", mirror, "error", err)
		}
	}
	return nil
}

func (c *HTTPClient) postChunkTo(ctx context.Context, baseURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chunk", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway chunk post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	return &ChunkError{
		Code:       chunkErrorCode(body),
		StatusCode: resp.StatusCode,
	}
}

// chunkErrorCode extracts the rejection code from a chunk error body,
// which arrives either as {"error": "code"} or as the bare code.
func chunkErrorCode(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

func (c *HTTPClient) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	url := fmt.Sprintf("%s/tx/%s/status", c.baseURL, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway status request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var status struct {
			BlockHeight           int64  `json:"block_height"`
			BlockIndepHash        string `json:"block_indep_hash"`
			NumberOfConfirmations int64  `json:"number_of_confirmations"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("failed to decode gateway status: %w", err)
		}
		return &TxStatus{
			BlockHeight:   status.BlockHeight,
			BlockHash:     status.BlockIndepHash,
			Confirmations: status.NumberOfConfirmations,
		}, nil

	case http.StatusAccepted:
		// Accepted but not yet mined.
		return &TxStatus{Pending: true}, nil

	case http.StatusNotFound:
		return nil, ErrTxNotFound

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway status returned %d: %s", resp.StatusCode, string(body))
	}
}

var _ Client = (*HTTPClient)(nil)
