package forum

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

const (
	HeaderSignature = "X-Pacer-Signature"
	HeaderTimestamp = "X-Pacer-Timestamp"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	// SigningSecret, when set, signs every request body with HMAC-SHA256.
	SigningSecret string
	Timeout       time.Duration
	RetryMax      int
	PageSize      int
}

// HTTPTransport talks to the forum's JSON reply API.
//
//	POST {base}/threads/{thread}/replies          {"destination", "content"} -> {"id"}
//	GET  {base}/threads/{thread}/replies?since=&cursor=&limit= -> {"replies", "next_cursor"}
type HTTPTransport struct {
	config HTTPConfig
	read   *retryablehttp.Client
	write  *retryablehttp.Client
	logger *zap.Logger
}

func NewHTTPTransport(config HTTPConfig, logger *zap.Logger) *HTTPTransport {
	logger = logging.OrNop(logger).Named("forum")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PageSize == 0 {
		config.PageSize = 100
	}

	read := retryablehttp.NewClient()
	read.RetryMax = config.RetryMax
	read.RetryWaitMin = 1 * time.Second
	read.RetryWaitMax = 10 * time.Second
	read.HTTPClient.Timeout = config.Timeout
	read.Logger = leveledZap{logger.Sugar()}

	// A publish whose outcome is unknown is never resent here; only
	// responses proving the forum did not accept it are retried.
	write := retryablehttp.NewClient()
	write.RetryMax = config.RetryMax
	write.RetryWaitMin = 1 * time.Second
	write.RetryWaitMax = 10 * time.Second
	write.HTTPClient.Timeout = config.Timeout
	write.Logger = leveledZap{logger.Sugar()}
	write.CheckRetry = publishRetryPolicy
	write.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPTransport{config: config, read: read, write: write, logger: logger}
}

func publishRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable, nil
}

type publishRequest struct {
	Destination string `json:"destination"`
	Content     string `json:"content"`
}

type publishResponse struct {
	ID string `json:"id"`
}

func (t *HTTPTransport) Publish(ctx context.Context, destination, threadID, content string) (PublishResult, error) {
	start := time.Now()

	body, err := json.Marshal(publishRequest{Destination: destination, Content: content})
	if err != nil {
		return PublishResult{Duration: time.Since(start)}, fmt.Errorf("marshal: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.repliesURL(threadID, nil), body)
	if err != nil {
		return PublishResult{Duration: time.Since(start)}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.sign(req.Header, body)

	resp, err := t.write.Do(req)
	if err != nil {
		return PublishResult{Duration: time.Since(start)}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	result := PublishResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return result, fmt.Errorf("decode response: %w", err)
	}
	result.ExternalID = out.ID
	return result, nil
}

type replyJSON struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type replyPage struct {
	Replies    []replyJSON `json:"replies"`
	NextCursor string      `json:"next_cursor"`
}

func (t *HTTPTransport) ListNewReplies(ctx context.Context, threadID string, since time.Time) iter.Seq2[domain.Reply, error] {
	return func(yield func(domain.Reply, error) bool) {
		cursor := ""
		for {
			page, err := t.fetchPage(ctx, threadID, since, cursor)
			if err != nil {
				yield(domain.Reply{}, err)
				return
			}
			for _, r := range page.Replies {
				if !r.CreatedAt.After(since) {
					continue
				}
				reply := domain.Reply{ID: r.ID, Author: r.Author, Text: r.Text, CreatedAt: r.CreatedAt}
				if !yield(reply, nil) {
					return
				}
			}
			if page.NextCursor == "" || len(page.Replies) == 0 {
				return
			}
			cursor = page.NextCursor
		}
	}
}

func (t *HTTPTransport) fetchPage(ctx context.Context, threadID string, since time.Time, cursor string) (replyPage, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", fmt.Sprint(t.config.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.repliesURL(threadID, q), nil)
	if err != nil {
		return replyPage{}, fmt.Errorf("create request: %w", err)
	}
	t.sign(req.Header, nil)

	resp, err := t.read.Do(req)
	if err != nil {
		return replyPage{}, fmt.Errorf("list replies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return replyPage{}, &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var page replyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return replyPage{}, fmt.Errorf("decode replies: %w", err)
	}
	return page, nil
}

func (t *HTTPTransport) repliesURL(threadID string, q url.Values) string {
	u := strings.TrimRight(t.config.BaseURL, "/") + "/threads/" + url.PathEscape(threadID) + "/replies"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (t *HTTPTransport) sign(h http.Header, body []byte) {
	if t.config.Token != "" {
		h.Set("Authorization", "Bearer "+t.config.Token)
	}
	if t.config.SigningSecret == "" {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, ComputeSignature(t.config.SigningSecret, ts, body))
}

// ComputeSignature returns the hex HMAC-SHA256 of timestamp and body.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for forum-side fixtures to check incoming requests.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(bytes.ToValidUTF8(b, nil)))
}

// leveledZap adapts zap to retryablehttp. Client errors are logged at warn
// because the request may still succeed on retry.
type leveledZap struct {
	inner *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Infow(msg, keysAndValues...)
}

func (l leveledZap) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debugw(msg, keysAndValues...)
}
