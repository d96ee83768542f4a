package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LogTransport writes notices to the service log. It is the fallback for
// principals without a push channel and is handy in development.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, address string, msg Message) error {
	log.Info().
		Str("address", address).
		Str("type", msg.Payload.Type).
		Str("request_id", msg.Payload.RequestID).
		Str("title", msg.Title).
		Msg(msg.Body)
	return nil
}

// RedisTransport publishes notices as JSON on a Redis pub/sub channel. The
// principal's channel address is the pub/sub channel name.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTransport returns a transport publishing on prefix+address.
func NewRedisTransport(client redis.UniversalClient, prefix string) *RedisTransport {
	return &RedisTransport{client: client, prefix: prefix}
}

func (t *RedisTransport) Send(ctx context.Context, address string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	receivers, err := t.client.Publish(ctx, t.prefix+address, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", address, err)
	}
	if receivers == 0 {
		log.Debug().Str("channel", t.prefix+address).Msg("notice published with no listeners")
	}
	return nil
}

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body, prefixed
// with "sha256=".
const SignatureHeader = "X-Partnerlock-Signature"

// WebhookTransport POSTs notices as JSON to the principal's URL.
type WebhookTransport struct {
	http   *http.Client
	secret []byte
}

// NewWebhookTransport returns a WebhookTransport with the given timeout.
// When secret is set every body is signed with it.
func NewWebhookTransport(timeout time.Duration, secret string) *WebhookTransport {
	return &WebhookTransport{http: &http.Client{Timeout: timeout}, secret: []byte(secret)}
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (t *WebhookTransport) Send(ctx context.Context, address string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(t.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(t.secret, data))
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: HTTP %d", address, resp.StatusCode)
	}
	return nil
}
