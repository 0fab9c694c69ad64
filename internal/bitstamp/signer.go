// Package bitstamp implements the authenticated REST client and error
// taxonomy for the Bitstamp exchange.
package bitstamp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/errs"
)

// Signer produces Bitstamp request signatures for one credential set.
// Nonces are strictly increasing per signer even when requests race or the
// wall clock stalls.
type Signer struct {
	customerID string
	apiKey     string
	secret     []byte

	mu        sync.Mutex
	lastNonce int64
	now       func() time.Time
}

// NewSigner builds a signer for the given credential set.
func NewSigner(customerID, apiKey, secret string) *Signer {
	return &Signer{
		customerID: strings.TrimSpace(customerID),
		apiKey:     strings.TrimSpace(apiKey),
		secret:     []byte(secret),
		now:        time.Now,
	}
}

// APIKey returns the public API key this signer authenticates as.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign appends the key, nonce and signature fields Bitstamp expects on every
// authenticated request. The signature is HMAC-SHA256 over nonce, customer id
// and API key concatenated, rendered as upper-case hex.
func (s *Signer) Sign(form url.Values) (url.Values, error) {
	if len(s.secret) == 0 {
		return nil, errs.New("bitstamp/sign", errs.CodeInvalid,
			errs.WithMessage("signing secret not configured"))
	}
	nonce := s.nextNonce()
	payload := strconv.FormatInt(nonce, 10) + s.customerID + s.apiKey

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	signature := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	if form == nil {
		form = url.Values{}
	}
	form.Set("key", s.apiKey)
	form.Set("nonce", strconv.FormatInt(nonce, 10))
	form.Set("signature", signature)
	return form, nil
}

func (s *Signer) nextNonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.now().UnixMilli()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	return nonce
}

// Registry resolves credential sets by their internal API key. The internal
// key is what adapter callers authenticate with; the exchange credentials
// never leave this package.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]*Signer
}

// NewRegistry builds a registry from configured credentials. Entries without
// an internal key are registered under their exchange API key.
func NewRegistry(creds []config.Credentials) *Registry {
	r := &Registry{byToken: make(map[string]*Signer, len(creds))}
	for _, c := range creds {
		token := strings.TrimSpace(c.InternalKey)
		if token == "" {
			token = strings.TrimSpace(c.Key)
		}
		if token == "" {
			continue
		}
		r.byToken[token] = NewSigner(c.CustomerID, c.Key, c.Secret)
	}
	return r
}

// Resolve returns the signer registered for the internal API key.
func (r *Registry) Resolve(internalKey string) (*Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	signer, ok := r.byToken[strings.TrimSpace(internalKey)]
	if !ok {
		return nil, errs.New("bitstamp/resolve-credentials", errs.CodeForbidden,
			errs.WithMessage("unknown API key"))
	}
	return signer, nil
}

// Tokens lists the registered internal keys.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tokens := make([]string, 0, len(r.byToken))
	for token := range r.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}
