package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultEsploraTimeout is the default timeout of a single HTTP
	// request.
	DefaultEsploraTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 64 * 1024
)

// EsploraConfig holds the configuration of an EsploraClient.
type EsploraConfig struct {
	// URL is the base URL of the Esplora API, for example
	// https://blockstream.info/testnet/api.
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration
}

// EsploraClient broadcasts transactions through the Esplora HTTP API.
type EsploraClient struct {
	cfg        EsploraConfig
	httpClient *http.Client
}

// A compile-time check to ensure that EsploraClient satisfies the
// Broadcaster interface.
var _ Broadcaster = (*EsploraClient)(nil)

// NewEsploraClient creates a client for the API at cfg.URL.
func NewEsploraClient(cfg EsploraConfig) *EsploraClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultEsploraTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &EsploraClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Broadcast posts the hex serialization of tx to the /tx endpoint and returns
// the txid from the response. A transaction the backend already knows is
// treated as published.
func (c *EsploraClient) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to serialize tx: %w",
			err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	body, status, err := c.post(ctx, "/tx", txHex)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if status != http.StatusOK {
		if isAlreadyKnown(body) {
			log.Infof("%v: tx already known to esplora",
				tx.TxHash())

			return tx.TxHash(), nil
		}

		return chainhash.Hash{}, fmt.Errorf("%w: status %d: %s",
			ErrTxRejected, status, strings.TrimSpace(body))
	}

	txid, err := chainhash.NewHashFromStr(strings.TrimSpace(body))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %q: %w",
			ErrInvalidTxid, body, err)
	}

	log.Debugf("Published tx %v via esplora", txid)

	return *txid, nil
}

// post sends a plain text POST request and returns the response body and
// status code.
func (c *EsploraClient) post(ctx context.Context, path,
	payload string) (string, int, error) {

	url := c.cfg.URL + path
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, strings.NewReader(payload),
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}

	return string(body), resp.StatusCode, nil
}
