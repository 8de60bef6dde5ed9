package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/protocol"
)

const (
	// DefaultMaxAttempts bounds the attempts of one exchange.
	DefaultMaxAttempts = 5
	// DefaultInitialBackoff is the delay before the second attempt; it doubles afterwards.
	DefaultInitialBackoff = time.Second
	// DefaultRequestTimeout bounds a single attempt.
	DefaultRequestTimeout = 30 * time.Second

	maxResponseBytes = 32 << 20
)

var (
	errMissingEndpoint = errors.New("transport: endpoint is required")
	noOpLogger         = zap.NewNop()
)

// Observer is told about every attempt, so callers can expose a backoff state.
type Observer interface {
	AttemptStarted(attempt int)
	AttemptFailed(attempt int, err error, willRetry bool)
}

// Config wires a Client.
type Config struct {
	Endpoint       string
	Token          string
	HTTPClient     *http.Client
	MaxAttempts    int
	InitialBackoff time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Observer       Observer
}

// Client performs sync exchanges against the server.
type Client struct {
	endpoint       string
	token          string
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
	observer       Observer
}

// NewClient validates the configuration and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		endpoint:       endpoint,
		token:          strings.TrimSpace(cfg.Token),
		httpClient:     httpClient,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		requestTimeout: requestTimeout,
		logger:         logger,
		observer:       cfg.Observer,
	}, nil
}

// Exchange sends the push set and returns the decoded response. Transient failures are
// retried with exponential backoff; a rejection is returned at once.
func (c *Client) Exchange(ctx context.Context, request protocol.SyncRequest) (protocol.SyncResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("transport: encode request: %w", err)
	}

	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.initialBackoff))
	var response protocol.SyncResponse
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if c.observer != nil {
			c.observer.AttemptStarted(attempt)
		}
		decoded, attemptErr := c.attempt(ctx, body)
		if attemptErr == nil {
			response = decoded
			return nil
		}

		var transient *TransientError
		retryable := errors.As(attemptErr, &transient) && ctx.Err() == nil
		willRetry := retryable && attempt < c.maxAttempts
		c.logger.Warn("sync exchange attempt failed",
			zap.String("endpoint", c.endpoint),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Bool("will_retry", willRetry),
			zap.Error(attemptErr))
		if c.observer != nil {
			c.observer.AttemptFailed(attempt, attemptErr, willRetry)
		}
		if retryable {
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		var transient *TransientError
		if errors.As(err, &transient) {
			return protocol.SyncResponse{}, &ExhaustedError{Attempts: attempt, Last: transient}
		}
		return protocol.SyncResponse{}, err
	}
	return response, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) (protocol.SyncResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint+protocol.SyncPath, bytes.NewReader(body))
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.SyncResponse{}, ctx.Err()
		}
		return protocol.SyncResponse{}, &TransientError{Unreachable: true, Err: err}
	}
	defer resp.Body.Close()

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if isTransientStatus(resp.StatusCode) {
		return protocol.SyncResponse{}, &TransientError{StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, payload)}
	}
	if resp.StatusCode >= 400 {
		return protocol.SyncResponse{}, &RejectionError{StatusCode: resp.StatusCode, Message: summarize(payload)}
	}
	if readErr != nil {
		if ctx.Err() != nil {
			return protocol.SyncResponse{}, ctx.Err()
		}
		return protocol.SyncResponse{}, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", readErr)}
	}

	var decoded protocol.SyncResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return protocol.SyncResponse{}, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return decoded, nil
}

// Ping checks that the server answers its health endpoint within one request timeout.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, c.endpoint+protocol.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Unreachable: true, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &TransientError{StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, nil)}
	}
	return nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func statusError(status int, body []byte) error {
	message := summarize(body)
	if message == "" {
		return fmt.Errorf("status %d", status)
	}
	return fmt.Errorf("status %d: %s", status, message)
}

func summarize(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
