// Package shopify предоставляет клиент Admin REST API коммерческой системы.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultAPIVersion = "2021-04"
	accessTokenHeader = "X-Shopify-Access-Token"
	maxErrorBody      = 4 << 10
)

var (
	// ErrNotConfigured возвращается, если клиент создан без адреса магазина.
	ErrNotConfigured = errors.New("shopify client not configured")
	// ErrNotFound возвращается поиском, не нашедшим ни одного объекта.
	ErrNotFound = errors.New("shopify: not found")
)

// APIError описывает ответ API с кодом, отличным от 2xx.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shopify: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary сообщает, что запрос можно повторить позже.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsTemporary сообщает, что ошибка вызвана таймаутом, сетью или временной недоступностью API.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Config содержит параметры подключения к магазину.
type Config struct {
	BaseURL     string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
	ReadRetries int
}

// Client инкапсулирует HTTP-взаимодействие с коммерческой системой.
// Запросы на чтение повторяются при временных ошибках, запросы на запись: никогда.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	timeout    time.Duration
	httpClient *http.Client
	readClient *retryablehttp.Client
	logger     *zap.Logger
	observe    func(op string, d time.Duration, err error)
}

// NewClient создаёт клиент коммерческой системы.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.ReadRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    base,
		token:      cfg.AccessToken,
		apiVersion: cfg.APIVersion,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		readClient: rc,
		logger:     logger,
	}
}

// OnRequest регистрирует наблюдателя за длительностью и результатом запросов.
func (c *Client) OnRequest(fn func(op string, d time.Duration, err error)) {
	c.observe = fn
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(path, "/"))
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) (err error) {
	start := time.Now()
	defer func() { c.record(op, start, err) }()

	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) get(ctx context.Context, op, path string, out any) (err error) {
	start := time.Now()
	defer func() { c.record(op, start, err) }()

	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req.Header)

	resp, err := c.readClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set(accessTokenHeader, c.token)
}

func (c *Client) record(op string, start time.Time, err error) {
	if c != nil && c.observe != nil {
		c.observe(op, time.Since(start), err)
	}
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.ParseFloat(v, 64); parseErr == nil {
				apiErr.RetryAfter = time.Duration(seconds * float64(time.Second))
			}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
