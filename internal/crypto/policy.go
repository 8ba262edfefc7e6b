// Package crypto signs upload policies with the application secret.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rescale/rescale-ingest/internal/models"
)

var (
	// ErrMissingSecret is returned when signing without an application secret
	ErrMissingSecret = errors.New("app secret is required to sign a policy")
	// ErrInvalidCall is returned for a permission the service does not know
	ErrInvalidCall = errors.New("invalid policy call")
)

// Calls lists the permissions a policy may grant.
var Calls = []string{
	"read", "store", "pick", "stat", "write", "writeUrl",
	"convert", "remove", "exif", "runWorkflow",
}

// Policy is the JSON document the service checks signatures against.
type Policy struct {
	Expiry    int64    `json:"expiry"`
	Call      []string `json:"call,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	URL       string   `json:"url,omitempty"`
	MaxSize   int64    `json:"maxSize,omitempty"`
	MinSize   int64    `json:"minSize,omitempty"`
	Path      string   `json:"path,omitempty"`
	Container string   `json:"container,omitempty"`
}

// NewPolicy returns a policy granting calls that expires ttl from now.
func NewPolicy(ttl time.Duration, calls ...string) Policy {
	return Policy{
		Expiry: time.Now().Add(ttl).Unix(),
		Call:   calls,
	}
}

// Validate checks the expiry and that every call is known.
func (p Policy) Validate() error {
	if p.Expiry <= 0 {
		return errors.New("policy expiry must be set")
	}
	for _, c := range p.Call {
		if !knownCall(c) {
			return fmt.Errorf("%w: %q", ErrInvalidCall, c)
		}
	}
	if p.MinSize > 0 && p.MaxSize > 0 && p.MinSize > p.MaxSize {
		return fmt.Errorf("policy minSize %d exceeds maxSize %d", p.MinSize, p.MaxSize)
	}
	return nil
}

// Encode returns the URL-safe base64 form of the policy JSON.
func (p Policy) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Sign returns the hex HMAC-SHA256 of encodedPolicy keyed by secret.
func Sign(encodedPolicy, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPolicy))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSecurity encodes and signs policy.
func NewSecurity(policy Policy, secret string) (*models.Security, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	encoded, err := policy.Encode()
	if err != nil {
		return nil, err
	}
	return &models.Security{
		EncodedPolicy: encoded,
		Signature:     Sign(encoded, secret),
	}, nil
}

// ParseCalls splits a comma separated call list, dropping blanks.
func ParseCalls(s string) []string {
	var calls []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			calls = append(calls, c)
		}
	}
	return calls
}

func knownCall(c string) bool {
	for _, known := range Calls {
		if c == known {
			return true
		}
	}
	return false
}
