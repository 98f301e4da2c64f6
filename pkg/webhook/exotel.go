package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignatureHeader carries the Exotel HMAC
const SignatureHeader = "X-Exotel-Signature"

// VerifyExotelSignature verifies Exotel webhook HMAC signature.
// The signature is HMAC-SHA256 over the sorted form values joined as k=v&k=v.
// An empty secret skips verification.
func VerifyExotelSignature(secret string, formValues url.Values, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return fmt.Errorf("signature header missing")
	}

	expected := Sign(secret, formValues)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the signature Exotel sends for formValues
func Sign(secret string, formValues url.Values) string {
	keys := make([]string, 0, len(formValues))
	for k := range formValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range formValues[k] {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Deduper drops webhook deliveries that were already processed
type Deduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDeduper creates a Deduper. A nil client accepts every delivery.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, prefix: "webhook:seen:", ttl: ttl}
}

// First reports whether key is seen for the first time and records it
func (d *Deduper) First(ctx context.Context, key string) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	sum := sha256.Sum256([]byte(key))
	ok, err := d.client.SetNX(ctx, d.prefix+hex.EncodeToString(sum[:]), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook dedup: %w", err)
	}
	return ok, nil
}
