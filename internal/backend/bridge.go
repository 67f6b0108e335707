package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/model"
	redisclient "github.com/pairlink/session-server/internal/redis"
)

const (
	DefaultBridgeTimeout = 30 * time.Second

	qrBufferSize     = 4
	eventBufferSize  = 64
	maxErrorBodySize = 4 << 10
)

const (
	bridgeMessageQR         = "qr"
	bridgeMessageConnection = "connection"
)

// BridgeError is a non-2xx reply from the bridge. Its message is the one the
// bridge reported, so callers can surface it unchanged.
type BridgeError struct {
	Status  int
	Message string
}

func (e *BridgeError) Error() string {
	return e.Message
}

type BridgeConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// bridgeMessage is what the bridge publishes on the events channel.
type bridgeMessage struct {
	Type        string                `json:"type"`
	SessionID   string                `json:"sessionId"`
	QR          string                `json:"qr,omitempty"`
	State       model.ConnectionState `json:"state,omitempty"`
	Credentials json.RawMessage       `json:"credentials,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// BridgeAdapter drives a bridge process over HTTP and receives its QR and
// connection events over Redis pub/sub.
type BridgeAdapter struct {
	baseURL string
	token   string
	client  *http.Client
	redis   *redis.Client
	events  chan Event

	mu        sync.Mutex
	handles   map[string]struct{}
	qrStreams map[string]chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Adapter = (*BridgeAdapter)(nil)

// NewBridgeAdapter returns an adapter for the bridge at cfg.BaseURL. With a
// nil Redis client no events are received.
func NewBridgeAdapter(cfg BridgeConfig, rdb *redis.Client) *BridgeAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BridgeAdapter{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		client:    &http.Client{Timeout: timeout},
		redis:     rdb,
		events:    make(chan Event, eventBufferSize),
		handles:   make(map[string]struct{}),
		qrStreams: make(map[string]chan string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to bridge events. It returns once the subscription is
// confirmed.
func (b *BridgeAdapter) Start(ctx context.Context) error {
	if b.redis == nil {
		log.Warn().Msg("bridge events disabled: no redis client")
		return nil
	}

	pubsub := b.redis.Subscribe(b.ctx, redisclient.BridgeEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe bridge events: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()
		b.consume(pubsub.Channel())
	}()

	log.Info().Str("channel", redisclient.BridgeEventsChannel).Msg("bridge events subscribed")
	return nil
}

func (b *BridgeAdapter) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *BridgeAdapter) consume(ch <-chan *redis.Message) {
	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var m bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal bridge event")
				continue
			}
			b.handleMessage(m)
		}
	}
}

func (b *BridgeAdapter) handleMessage(m bridgeMessage) {
	if m.SessionID == "" {
		return
	}

	switch m.Type {
	case bridgeMessageQR:
		b.mu.Lock()
		if stream, ok := b.qrStreams[m.SessionID]; ok {
			select {
			case stream <- m.QR:
			default:
				log.Warn().Str("session_id", m.SessionID).Msg("qr buffer full, dropping value")
			}
		}
		b.mu.Unlock()

	case bridgeMessageConnection:
		b.mu.Lock()
		switch m.State {
		case model.ConnectionStateOpen:
			b.handles[m.SessionID] = struct{}{}
		case model.ConnectionStateClose:
			delete(b.handles, m.SessionID)
		default:
			b.mu.Unlock()
			log.Warn().Str("session_id", m.SessionID).Str("state", string(m.State)).Msg("unknown connection state")
			return
		}
		b.closeQRLocked(m.SessionID)
		b.mu.Unlock()

		event := Event{
			SessionID:   m.SessionID,
			State:       m.State,
			Credentials: m.Credentials,
			Reason:      m.Reason,
		}
		select {
		case b.events <- event:
		case <-b.ctx.Done():
		}

	default:
		log.Debug().Str("type", m.Type).Msg("ignoring bridge event")
	}
}

func (b *BridgeAdapter) RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error) {
	var resp struct {
		Code string `json:"code"`
	}
	body := map[string]string{"phoneNumber": phone}
	if err := b.do(ctx, http.MethodPost, sessionPath(sessionID, "pairing-code"), body, &resp); err != nil {
		return "", err
	}
	if resp.Code == "" {
		return "", errors.New("bridge returned an empty pairing code")
	}

	b.markHandle(sessionID)
	return resp.Code, nil
}

func (b *BridgeAdapter) RequestQR(ctx context.Context, sessionID string) (<-chan string, error) {
	stream := make(chan string, qrBufferSize)

	b.mu.Lock()
	b.closeQRLocked(sessionID)
	b.qrStreams[sessionID] = stream
	b.mu.Unlock()

	var resp struct {
		QR string `json:"qr"`
	}
	if err := b.do(ctx, http.MethodPost, sessionPath(sessionID, "qr"), nil, &resp); err != nil {
		b.closeQR(sessionID, stream)
		return nil, err
	}
	b.markHandle(sessionID)

	if resp.QR != "" {
		b.mu.Lock()
		if b.qrStreams[sessionID] == stream {
			select {
			case stream <- resp.QR:
			default:
			}
		}
		b.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.closeQR(sessionID, stream)
	}()

	return stream, nil
}

func (b *BridgeAdapter) Events() <-chan Event {
	return b.events
}

// Close drops the local handle first, then tells the bridge. A bridge that no
// longer knows the session is not an error.
func (b *BridgeAdapter) Close(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	delete(b.handles, sessionID)
	b.closeQRLocked(sessionID)
	b.mu.Unlock()

	err := b.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) && bridgeErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (b *BridgeAdapter) HasHandle(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handles[sessionID]
	return ok
}

func (b *BridgeAdapter) markHandle(sessionID string) {
	b.mu.Lock()
	b.handles[sessionID] = struct{}{}
	b.mu.Unlock()
}

// closeQR closes stream only if it is still the registered one.
func (b *BridgeAdapter) closeQR(sessionID string, stream chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.qrStreams[sessionID] == stream {
		delete(b.qrStreams, sessionID)
		close(stream)
	}
}

func (b *BridgeAdapter) closeQRLocked(sessionID string) {
	if stream, ok := b.qrStreams[sessionID]; ok {
		delete(b.qrStreams, sessionID)
		close(stream)
	}
}

func sessionPath(sessionID, action string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (b *BridgeAdapter) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Dur("elapsed", elapsed).
			Msg("bridge request error")
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bridgeErr := readBridgeError(resp)
		log.Error().
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Str("error", bridgeErr.Message).
			Msg("bridge request failed")
		return bridgeErr
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("bridge request ok")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

func readBridgeError(resp *http.Response) *BridgeError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(data, &body) == nil {
		msg = body.Error
		if msg == "" {
			msg = body.Message
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("bridge returned status %d", resp.StatusCode)
	}
	return &BridgeError{Status: resp.StatusCode, Message: msg}
}
