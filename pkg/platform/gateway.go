package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Gateway talks JSON over HTTP to a platform bridge service that holds the
// user session.
type Gateway struct {
	baseURL     string
	token       string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	BaseURL     string
	Token       string
	SessionPath string
	RPS         float64
	Burst       int
	Timeout     time.Duration
}

// NewGateway creates a bridge client. When Token is empty it is read from
// the session file.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	token := opts.Token
	if token == "" && opts.SessionPath != "" {
		data, err := os.ReadFile(opts.SessionPath)
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", opts.SessionPath, err)
		}
		token = strings.TrimSpace(string(data))
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       token,
		client:      &http.Client{Timeout: opts.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
	}, nil
}

type gatewayChannel struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
	Title    string      `json:"title"`
}

type gatewayMessage struct {
	ID          int64          `json:"id"`
	Date        time.Time      `json:"date"`
	Text        string         `json:"text"`
	Views       int            `json:"views"`
	Forwards    int            `json:"forwards"`
	Replies     int            `json:"replies"`
	Reactions   map[string]int `json:"reactions"`
	Media       string         `json:"media"`
	ForwardFrom map[string]any `json:"forward_from"`
}

func (m gatewayMessage) post() RawPost {
	return RawPost{
		ID:          m.ID,
		Date:        m.Date.UTC(),
		Text:        m.Text,
		Views:       m.Views,
		Forwards:    m.Forwards,
		Replies:     m.Replies,
		Reactions:   m.Reactions,
		Media:       m.Media,
		ForwardInfo: m.ForwardFrom,
	}
}

type gatewayReply struct {
	ID         int64     `json:"id"`
	Date       time.Time `json:"date"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
}

func (g *Gateway) ResolveChannel(ctx context.Context, username string) (ChannelInfo, error) {
	var ch gatewayChannel
	if err := g.get(ctx, "/channels/"+url.PathEscape(username), nil, &ch); err != nil {
		return ChannelInfo{}, fmt.Errorf("resolve channel %s: %w", username, err)
	}
	info := ChannelInfo{ID: ch.ID.String(), Username: ch.Username, Title: ch.Title}
	if info.Username == "" {
		info.Username = username
	}
	return info, nil
}

func (g *Gateway) FetchPosts(ctx context.Context, channel string, q PostQuery) (PostPage, error) {
	params := url.Values{}
	if q.MinID > 0 {
		params.Set("min_id", strconv.FormatInt(q.MinID, 10))
	}
	if !q.OffsetDate.IsZero() {
		params.Set("offset_date", q.OffsetDate.UTC().Format(time.RFC3339))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.PageSize > 0 {
		params.Set("limit", strconv.Itoa(q.PageSize))
	}

	var raw struct {
		Messages   []gatewayMessage `json:"messages"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := g.get(ctx, "/channels/"+url.PathEscape(channel)+"/messages", params, &raw); err != nil {
		return PostPage{}, fmt.Errorf("fetch posts %s: %w", channel, err)
	}
	page := PostPage{Posts: make([]RawPost, 0, len(raw.Messages)), NextCursor: raw.NextCursor}
	for _, m := range raw.Messages {
		page.Posts = append(page.Posts, m.post())
	}
	return page, nil
}

func (g *Gateway) FetchComments(ctx context.Context, channel string, postID int64, q CommentQuery) (CommentPage, error) {
	params := url.Values{}
	if q.MinID > 0 {
		params.Set("min_id", strconv.FormatInt(q.MinID, 10))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.PageSize > 0 {
		params.Set("limit", strconv.Itoa(q.PageSize))
	}

	var raw struct {
		Replies    []gatewayReply `json:"replies"`
		NextCursor string         `json:"next_cursor"`
	}
	path := fmt.Sprintf("/channels/%s/messages/%d/replies", url.PathEscape(channel), postID)
	if err := g.get(ctx, path, params, &raw); err != nil {
		return CommentPage{}, fmt.Errorf("fetch comments %s/%d: %w", channel, postID, err)
	}
	page := CommentPage{Comments: make([]RawComment, 0, len(raw.Replies)), NextCursor: raw.NextCursor}
	for _, r := range raw.Replies {
		page.Comments = append(page.Comments, RawComment{
			ID:         r.ID,
			Date:       r.Date.UTC(),
			AuthorName: r.AuthorName,
			Text:       r.Text,
		})
	}
	return page, nil
}

func (g *Gateway) FetchPost(ctx context.Context, channel string, postID int64) (RawPost, error) {
	var m gatewayMessage
	path := fmt.Sprintf("/channels/%s/messages/%d", url.PathEscape(channel), postID)
	if err := g.get(ctx, path, nil, &m); err != nil {
		return RawPost{}, fmt.Errorf("fetch post %s/%d: %w", channel, postID, err)
	}
	return m.post(), nil
}

func (g *Gateway) get(ctx context.Context, path string, params url.Values, out any) error {
	u := g.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "insightradar/1.0")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doWithRetry retries transport failures and 5xx responses with doubling
// backoff. 429 is returned to the caller, which owns flood-wait handling.
func (g *Gateway) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := g.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := g.client.Do(req.Clone(ctx))
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("gateway status %d", resp.StatusCode)
			resp.Body.Close()
		} else {
			lastErr = err
		}
		if attempt == g.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", g.maxAttempts, lastErr)
}

// retryAfter reads the wait from the Retry-After header or a JSON body
// field retry_after (seconds). It defaults to one second.
func retryAfter(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(ra); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	return time.Second
}
