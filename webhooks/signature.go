package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
)

const (
	HeaderSignature = "webhook-signature"
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"

	secretPrefix     = "whsec_"
	signatureVersion = "v1,"
)

// VerifySignature checks a delivery signed as
// base64url(HMAC-SHA256(secret, "{id}.{timestamp}.{body}")) carried as
// "v1,<sig>". It returns false when any input is missing.
func VerifySignature(rawBody []byte, signature, webhookID, timestamp, secret string) bool {
	signature = strings.TrimSpace(signature)
	webhookID = strings.TrimSpace(webhookID)
	timestamp = strings.TrimSpace(timestamp)
	key := signingKey(secret)
	if signature == "" || webhookID == "" || timestamp == "" || len(key) == 0 {
		return false
	}
	provided, ok := decodeSignature(signature)
	if !ok {
		return false
	}
	expected := computeMAC(rawBody, webhookID, timestamp, key)
	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}

// Sign produces the header value VerifySignature accepts.
func Sign(rawBody []byte, webhookID, timestamp, secret string) string {
	mac := computeMAC(rawBody, strings.TrimSpace(webhookID), strings.TrimSpace(timestamp), signingKey(secret))
	return signatureVersion + base64.RawURLEncoding.EncodeToString(mac)
}

func signingKey(secret string) []byte {
	secret = strings.TrimSpace(secret)
	return []byte(strings.TrimPrefix(secret, secretPrefix))
}

func computeMAC(rawBody []byte, webhookID, timestamp string, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(webhookID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return mac.Sum(nil)
}

// decodeSignature accepts base64url with or without padding; the standard
// alphabet is folded onto it.
func decodeSignature(signature string) ([]byte, bool) {
	signature = strings.TrimPrefix(signature, signatureVersion)
	signature = strings.TrimRight(strings.TrimSpace(signature), "=")
	if signature == "" {
		return nil, false
	}
	signature = strings.NewReplacer("+", "-", "/", "_").Replace(signature)
	decoded, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// SignatureVerifier verifies inbound requests against a shared secret. A
// positive ReplayWindow also rejects stale or far-future timestamps.
type SignatureVerifier struct {
	Secret       string
	ReplayWindow time.Duration
	Now          func() time.Time
}

func NewSignatureVerifier(cfg core.WebhookConfig) SignatureVerifier {
	return SignatureVerifier{Secret: cfg.Secret, ReplayWindow: cfg.ReplayWindow}
}

func (v SignatureVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	signature := headerValue(req.Headers, HeaderSignature)
	webhookID := headerValue(req.Headers, HeaderID)
	timestamp := headerValue(req.Headers, HeaderTimestamp)
	if !VerifySignature(req.Body, signature, webhookID, timestamp, v.Secret) {
		return signatureError("webhooks: signature verification failed", map[string]any{
			"webhook_id": webhookID,
		})
	}
	if v.ReplayWindow > 0 {
		seconds, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return signatureError("webhooks: webhook timestamp is not unix seconds", map[string]any{
				"webhook_id": webhookID,
			})
		}
		skew := v.now().Sub(time.Unix(seconds, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.ReplayWindow {
			return signatureError("webhooks: webhook timestamp outside replay window", map[string]any{
				"webhook_id": webhookID,
				"skew_ms":    skew.Milliseconds(),
			})
		}
	}
	return nil
}

func (v SignatureVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func signatureError(message string, metadata map[string]any) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.ErrorSignatureInvalid).
		WithMetadata(metadata)
}

var _ Verifier = SignatureVerifier{}
