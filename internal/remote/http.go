package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
)

// HTTPClient speaks REST/JSON to the chat service. It implements both
// Service and Transport.
type HTTPClient struct {
	baseURL string
	client  *fasthttp.Client
	tokens  oauth2.TokenSource
	timeout time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	acks   chan delivery.Ack
	closed bool
}

type HTTPOption func(*HTTPClient)

// WithTokenSource overrides the bearer token source built from the config.
func WithTokenSource(ts oauth2.TokenSource) HTTPOption {
	return func(c *HTTPClient) { c.tokens = ts }
}

// WithDial routes connections through dial, e.g. an in-memory listener.
func WithDial(dial fasthttp.DialFunc) HTTPOption {
	return func(c *HTTPClient) { c.client.Dial = dial }
}

func WithHTTPMetrics(metrics *observability.Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = metrics }
}

func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logging.OrNop(logger) }
}

func NewHTTPClient(cfg config.RemoteConfig, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client: &fasthttp.Client{
			Name:                "chatcore",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: cfg.Timeout,
		now:     time.Now,
		logger:  zap.NewNop(),
		acks:    make(chan delivery.Ack, ackBuffer),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if cfg.Token != "" {
		c.tokens = oauth2.ReuseTokenSource(nil, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireMessage struct {
	ID string `json:"id"`
	messaging.Message
}

func (w wireMessage) toMessage() messaging.Message {
	m := w.Message
	if m.ServerID == "" {
		m.ServerID = w.ID
	}
	m.LocalID = ""
	return m
}

type sendRequest struct {
	ClientID string                `json:"client_id"`
	Content  string                `json:"content"`
	Type     messaging.MessageType `json:"type"`
	Files    []messaging.File      `json:"files,omitempty"`
	ReplyTo  string                `json:"reply_to,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) ListChannels(ctx context.Context) ([]messaging.Channel, error) {
	var out []messaging.Channel
	if err := c.do(ctx, "list_channels", fasthttp.MethodGet, "/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListChannelMessages(ctx context.Context, channelID string) ([]messaging.Message, error) {
	return c.listMessages(ctx, "list_channel_messages", messaging.ChannelRef(channelID))
}

func (c *HTTPClient) ListDirectMessages(ctx context.Context, peerUserID string) ([]messaging.Message, error) {
	return c.listMessages(ctx, "list_direct_messages", messaging.DirectRef(peerUserID))
}

func (c *HTTPClient) listMessages(ctx context.Context, op string, ref messaging.ConversationRef) ([]messaging.Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, op, fasthttp.MethodGet, conversationPath(ref)+"/messages", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]messaging.Message, len(wire))
	for i, w := range wire {
		out[i] = w.toMessage()
	}
	return out, nil
}

func (c *HTTPClient) ListTenantUsers(ctx context.Context, tenantID string) ([]messaging.ChatUser, error) {
	var out []messaging.ChatUser
	if err := c.do(ctx, "list_tenant_users", fasthttp.MethodGet, "/tenants/"+escape(tenantID)+"/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts msg and queues a Sent ack carrying the server id. The
// local id travels as client_id so a retried post is idempotent remotely.
func (c *HTTPClient) SendMessage(ctx context.Context, msg messaging.Message) error {
	req := sendRequest{
		ClientID: msg.LocalID,
		Content:  msg.Content,
		Type:     msg.Type,
		Files:    msg.Files,
		ReplyTo:  msg.ReplyTo,
	}
	var resp sendResponse
	if err := c.do(ctx, "send_message", fasthttp.MethodPost, conversationPath(msg.Conversation)+"/messages", req, &resp); err != nil {
		return err
	}

	c.emit(delivery.Ack{
		Conversation: msg.Conversation,
		MessageID:    msg.LocalID,
		ServerID:     resp.ID,
		Target:       delivery.StateSent,
		At:           c.now(),
	})
	return nil
}

func (c *HTTPClient) SendTyping(ctx context.Context, ref messaging.ConversationRef, typing bool) error {
	return c.do(ctx, "send_typing", fasthttp.MethodPost, conversationPath(ref)+"/typing", typingRequest{Typing: typing}, nil)
}

func (c *HTTPClient) Acks() <-chan delivery.Ack {
	return c.acks
}

func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.acks)
		c.client.CloseIdleConnections()
	}
	return nil
}

func (c *HTTPClient) emit(ack delivery.Ack) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.acks <- ack:
	default:
		c.logger.Warn("ack channel full, dropping ack",
			zap.String("message_id", ack.MessageID),
			zap.String("target", ack.Target.String()),
		)
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := c.roundTrip(ctx, method, path, body, out)
	c.metrics.RecordRemoteCall(op, time.Since(start), err)
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Internal("encode request", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return errors.Unavailable("obtain access token", err)
		}
		req.Header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if err == fasthttp.ErrTimeout {
			return errors.NewAppError(codes.DeadlineExceeded, "remote request timed out", err)
		}
		return errors.Unavailable("remote request failed", err)
	}

	status := resp.StatusCode()
	if status >= 300 {
		return statusError(status, resp.Body())
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Internal("decode response", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	msg := fasthttp.StatusMessage(status)
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	switch {
	case status == fasthttp.StatusNotFound:
		return errors.NotFound(msg)
	case status == fasthttp.StatusForbidden || status == fasthttp.StatusUnauthorized:
		return errors.Forbidden(msg)
	case status == fasthttp.StatusTooManyRequests:
		return errors.NewAppError(codes.ResourceExhausted, msg, nil)
	case status >= 500:
		return errors.Unavailable(msg, fmt.Errorf("status %d", status))
	}
	return errors.BadRequest(msg)
}

func escape(s string) string {
	return url.PathEscape(s)
}
