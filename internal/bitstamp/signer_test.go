package bitstamp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/errs"
)

func TestSignProducesUpperHexSignature(t *testing.T) {
	s := NewSigner("991234", "apikey", "topsecret")
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }

	form, err := s.Sign(url.Values{"amount": []string{"1"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if got := form.Get("key"); got != "apikey" {
		t.Fatalf("key field = %q", got)
	}
	nonce := form.Get("nonce")
	if nonce != "1700000000000" {
		t.Fatalf("nonce = %q", nonce)
	}
	if got := form.Get("amount"); got != "1" {
		t.Fatalf("existing fields must be preserved, amount = %q", got)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(nonce + "991234" + "apikey"))
	want := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
	if got := form.Get("signature"); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
}

func TestNoncesIncreaseWhenClockStalls(t *testing.T) {
	s := NewSigner("1", "k", "s")
	fixed := time.UnixMilli(42)
	s.now = func() time.Time { return fixed }

	prev := int64(0)
	for i := 0; i < 5; i++ {
		form, err := s.Sign(nil)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		nonce, err := strconv.ParseInt(form.Get("nonce"), 10, 64)
		if err != nil {
			t.Fatalf("parse nonce: %v", err)
		}
		if nonce <= prev {
			t.Fatalf("nonce %d not greater than previous %d", nonce, prev)
		}
		prev = nonce
	}
}

func TestNoncesUniqueUnderConcurrency(t *testing.T) {
	s := NewSigner("1", "k", "s")

	const workers = 32
	const perWorker = 50
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				form, err := s.Sign(nil)
				if err != nil {
					t.Errorf("sign: %v", err)
					return
				}
				mu.Lock()
				seen[form.Get("nonce")] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique nonces, got %d", workers*perWorker, len(seen))
	}
}

func TestRegistryResolvesByInternalKey(t *testing.T) {
	r := NewRegistry([]config.Credentials{
		{CustomerID: "1", Key: "exchange-key-1", Secret: "s1", InternalKey: "internal-1"},
		{CustomerID: "2", Key: "exchange-key-2", Secret: "s2"},
	})

	signer, err := r.Resolve("internal-1")
	if err != nil {
		t.Fatalf("resolve internal key: %v", err)
	}
	if signer.APIKey() != "exchange-key-1" {
		t.Fatalf("resolved wrong signer: %q", signer.APIKey())
	}

	// Entries without an internal key register under the exchange key.
	if _, err := r.Resolve("exchange-key-2"); err != nil {
		t.Fatalf("resolve by exchange key: %v", err)
	}

	_, err = r.Resolve("unknown")
	if !errs.Is(err, errs.CodeForbidden) {
		t.Fatalf("unknown key should be forbidden, got %v", err)
	}
}

func TestSignRequiresSecret(t *testing.T) {
	s := NewSigner("1", "k", "")
	if _, err := s.Sign(nil); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("missing secret should fail signing, got %v", err)
	}
}
