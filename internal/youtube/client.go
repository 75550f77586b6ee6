package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/storage"
)

// DefaultUploadURL is the YouTube Data API v3 video upload endpoint.
const DefaultUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos"

// DefaultUploadTimeout bounds an upload of an empty file. Larger files get
// extra time at minUploadRate.
const DefaultUploadTimeout = 10 * time.Minute

// minUploadRate is the slowest throughput, in bytes per second, an upload may
// sustain before it is abandoned.
const minUploadRate = 128 << 10

// WatchURL returns the public URL of an uploaded short.
func WatchURL(videoID string) string {
	return "https://youtube.com/shorts/" + videoID
}

// Authenticator supplies access tokens for uploads.
type Authenticator interface {
	Authenticate(ctx context.Context) (storage.Credential, error)
	Invalidate()
}

// Client uploads videos with the resumable upload protocol.
type Client struct {
	uploadURL  string
	auth       Authenticator
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewClient creates a Client. An empty uploadURL uses DefaultUploadURL; a nil
// httpClient uses one without an overall timeout. Each Publish carries its own
// deadline sized to the file instead.
func NewClient(uploadURL string, auth Authenticator, httpClient *http.Client) *Client {
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		uploadURL:  strings.TrimRight(uploadURL, "/"),
		auth:       auth,
		httpClient: httpClient,
		timeout:    DefaultUploadTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// SetUploadTimeout changes the base upload deadline. Non-positive values
// restore DefaultUploadTimeout.
func (c *Client) SetUploadTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultUploadTimeout
	}
	c.timeout = d
}

// uploadDeadline is the base timeout plus the time to send size bytes at
// minUploadRate.
func (c *Client) uploadDeadline(size int64) time.Duration {
	return c.timeout + time.Duration(size/minUploadRate)*time.Second
}

type videoResource struct {
	Snippet videoSnippet `json:"snippet"`
	Status  videoStatus  `json:"status"`
}

type videoSnippet struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Tags                 []string `json:"tags,omitempty"`
	CategoryID           string   `json:"categoryId"`
	DefaultLanguage      string   `json:"defaultLanguage,omitempty"`
	DefaultAudioLanguage string   `json:"defaultAudioLanguage,omitempty"`
}

type videoStatus struct {
	PrivacyStatus           string `json:"privacyStatus"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Publish uploads the video at path and returns the platform's video ID.
func (c *Client) Publish(ctx context.Context, path string, meta Metadata) (string, error) {
	const op = "youtube.publish"

	if err := meta.Validate(); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("reading artifact size: %w", err)
	}

	// Callers may detach ctx from shutdown, so the deadline is the only bound
	// on a stalled upload.
	ctx, cancel := context.WithTimeout(ctx, c.uploadDeadline(info.Size()))
	defer cancel()

	cred, err := c.auth.Authenticate(ctx)
	if err != nil {
		return "", err
	}

	location, err := c.startSession(ctx, cred.AccessToken, meta, info.Size())
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, f)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "video/mp4")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", failure.New(failure.Network, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.classify(op, resp)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", failure.New(failure.Network, op, fmt.Errorf("decoding upload response: %w", err))
	}
	if ur.ID == "" {
		return "", failure.Newf(failure.Network, op, "upload response has no video id")
	}

	c.logger.Info("video uploaded", "video_id", ur.ID, "bytes", info.Size())
	return ur.ID, nil
}

// startSession opens a resumable upload session and returns its URL.
func (c *Client) startSession(ctx context.Context, token string, meta Metadata, size int64) (string, error) {
	const op = "youtube.publish"

	body, err := json.Marshal(videoResource{
		Snippet: videoSnippet{
			Title:                meta.title(),
			Description:          meta.Description,
			Tags:                 meta.Tags,
			CategoryID:           meta.CategoryID,
			DefaultLanguage:      meta.Language,
			DefaultAudioLanguage: meta.Language,
		},
		Status: videoStatus{
			PrivacyStatus:           string(meta.Privacy),
			SelfDeclaredMadeForKids: meta.MadeForKids,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling video resource: %w", err)
	}

	url := c.uploadURL + "?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "video/mp4")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", failure.New(failure.Network, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.classify(op, resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", failure.Newf(failure.Network, op, "upload session has no Location header")
	}
	return location, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

var rateLimitReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"uploadLimitExceeded":   true,
}

// classify maps a failed API response to a failure kind: 5xx is network,
// 429 and quota 403s are rate_limited, 401 invalidates the token and is
// retried as network, other 4xx are validation_rejected.
func (c *Client) classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	reason := ""
	if len(ae.Error.Errors) > 0 {
		reason = ae.Error.Errors[0].Reason
	}
	msg := ae.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	cause := fmt.Errorf("status %d %s: %s", resp.StatusCode, reason, msg)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	var kind failure.Kind
	switch {
	case resp.StatusCode >= 500:
		kind = failure.Network
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = failure.RateLimited
	case resp.StatusCode == http.StatusForbidden && rateLimitReasons[reason]:
		kind = failure.RateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		c.auth.Invalidate()
		kind = failure.Network
	default:
		kind = failure.ValidationRejected
	}

	fe := failure.New(kind, op, cause)
	fe.RetryAfter = retryAfter
	return fe
}

// parseRetryAfter reads a Retry-After header given either as seconds or as an
// HTTP date. It returns zero when absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
