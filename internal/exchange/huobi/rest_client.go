package huobi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	signatureMethod  = "HmacSHA256"
	signatureVersion = "2"
	timestampLayout  = "2006-01-02T15:04:05"
	maxRetries       = 3
)

// Sign computes the Huobi signature: HMAC-SHA256 over
// "METHOD\nHOST\nPATH\nQUERY" with the query sorted by key, base64-encoded.
func Sign(secret, method, host, path string, params url.Values) string {
	payload := strings.Join([]string{strings.ToUpper(method), strings.ToLower(host), path, params.Encode()}, "\n")
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// SignedParams returns the authentication query parameters including the signature.
func SignedParams(key, secret, method, host, path string, now time.Time, extra url.Values) url.Values {
	params := url.Values{}
	for k, v := range extra {
		params[k] = v
	}
	params.Set("AccessKeyId", key)
	params.Set("SignatureMethod", signatureMethod)
	params.Set("SignatureVersion", signatureVersion)
	params.Set("Timestamp", now.UTC().Format(timestampLayout))
	params.Set("Signature", Sign(secret, method, host, path, params))
	return params
}

// envelope is the common Huobi response wrapper. Swap endpoints use
// err_code/err_msg, spot endpoints err-code/err-msg.
type envelope struct {
	Status      string          `json:"status"`
	ErrCode     json.RawMessage `json:"err_code"`
	ErrMsg      string          `json:"err_msg"`
	SpotErrCode string          `json:"err-code"`
	SpotErrMsg  string          `json:"err-msg"`
	Data        json.RawMessage `json:"data"`
	Ts          int64           `json:"ts"`
}

func (e *envelope) err() error {
	if e.Status == "ok" {
		return nil
	}
	code, msg := strings.Trim(string(e.ErrCode), `"`), e.ErrMsg
	if code == "" {
		code, msg = e.SpotErrCode, e.SpotErrMsg
	}
	return &APIError{Code: code, Message: msg}
}

// APIError is a Huobi business error returned with HTTP 200.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("huobi error %s: %s", e.Code, e.Message)
}

// RestClient is a signing, rate limited client of one Huobi host.
type RestClient struct {
	client    *resty.Client
	host      string
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	now       func() time.Time
}

// NewRestClient creates a client of host (e.g. api.hbdm.com).
func NewRestClient(host, apiKey, secretKey string, timeout time.Duration, limit float64, burst int, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL("https://" + host).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(limit), burst)

	return &RestClient{
		client:    client,
		host:      host,
		apiKey:    apiKey,
		secretKey: secretKey,
		logger:    logger,
		limiter:   limiter,
		now:       time.Now,
	}
}

// Get calls a public GET endpoint and decodes envelope.data into result.
func (c *RestClient) Get(ctx context.Context, path string, query url.Values, result any) error {
	req := c.client.R().SetContext(ctx).SetQueryParamsFromValues(query)
	return c.call(ctx, http.MethodGet, path, req, result)
}

// SignedGet calls a private GET endpoint.
func (c *RestClient) SignedGet(ctx context.Context, path string, query url.Values, result any) error {
	params := SignedParams(c.apiKey, c.secretKey, http.MethodGet, c.host, path, c.now(), query)
	req := c.client.R().SetContext(ctx).SetQueryParamsFromValues(params)
	return c.call(ctx, http.MethodGet, path, req, result)
}

// SignedPost calls a private POST endpoint with a JSON body.
func (c *RestClient) SignedPost(ctx context.Context, path string, body any, result any) error {
	params := SignedParams(c.apiKey, c.secretKey, http.MethodPost, c.host, path, c.now(), nil)
	req := c.client.R().SetContext(ctx).SetQueryParamsFromValues(params).SetBody(body)
	return c.call(ctx, http.MethodPost, path, req, result)
}

func (c *RestClient) call(ctx context.Context, method, path string, req *resty.Request, result any) error {
	env, err := c.do(ctx, method, path, req)
	if err != nil {
		return err
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", path, err)
	}
	return nil
}

// errCodeRateLimit is the swap business code for exceeding the access frequency.
const errCodeRateLimit = "1032"

// retryable marks a failure worth another attempt, optionally after a server hint.
type retryable struct {
	err    error
	after  time.Duration
	hinted bool
}

func (e *retryable) Error() string { return e.err.Error() }
func (e *retryable) Unwrap() error { return e.err }

// do executes req and decodes the envelope. Throttling, server errors and
// transport errors are retried with exponential backoff.
func (c *RestClient) do(ctx context.Context, method, path string, req *resty.Request) (*envelope, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		var env *envelope
		env, err = c.once(ctx, method, path, req)
		var r *retryable
		if !errors.As(err, &r) {
			return env, err
		}
		if i == maxRetries-1 {
			break
		}
		wait := r.after
		if !r.hinted {
			// 1s, 2s, 4s
			wait = time.Duration(1<<i) * time.Second
		}
		c.logger.Warn("Request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// once runs one rate limited attempt. Business errors come back as *APIError.
func (c *RestClient) once(ctx context.Context, method, path string, req *resty.Request) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
	resp, err := req.Execute(method, path)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryable{err: fmt.Errorf("request failed: %w", err)}
	case resp.StatusCode() == http.StatusTooManyRequests:
		r := &retryable{err: fmt.Errorf("request throttled: %s", resp.Status())}
		if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
			r.after, r.hinted = time.Duration(seconds)*time.Second, true
		}
		return nil, r
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, &retryable{err: fmt.Errorf("request failed with status %s", resp.Status())}
	case resp.IsError():
		return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if err := env.err(); err != nil {
		err = fmt.Errorf("%s %s: %w", method, path, err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == errCodeRateLimit {
			return nil, &retryable{err: err}
		}
		return nil, err
	}
	return &env, nil
}
