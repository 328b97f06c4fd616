package rpc

import (
	"container/list"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deedledger/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) covered by the signature.
	HeaderTimestamp = "X-Deed-Timestamp"
	// HeaderNonce is a per-request UUID covered by the signature. Identical
	// bodies signed in the same second differ only by their nonce.
	HeaderNonce = "X-Deed-Nonce"
	// HeaderSignature carries the hex-encoded recoverable secp256k1 signature
	// over keccak256(timestamp "\n" nonce "\n" body).
	HeaderSignature = "X-Deed-Signature"

	defaultSignatureSkew = 2 * time.Minute
	maxSignatureSkew     = 10 * time.Minute
	replayCapacity       = 65536
)

var errReplay = errors.New("nonce already used")

// SigningDigest is the digest a caller signs for a request body sent at
// timestamp with nonce.
func SigningDigest(timestamp, nonce string, body []byte) []byte {
	return crypto.Digest([]byte(timestamp+"\n"+nonce+"\n"), body)
}

// SignRequest sets the timestamp, nonce and signature headers on req for
// body. Every call draws a fresh nonce.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, now time.Time) error {
	if key == nil {
		return errors.New("rpc: signing key required")
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	sig, err := key.Sign(SigningDigest(ts, nonce, body))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// signatureVerifier recovers the caller from request signatures and rejects
// stale or replayed ones.
type signatureVerifier struct {
	skew   time.Duration
	nowFn  func() time.Time
	replay *replayCache
}

func newSignatureVerifier(skew time.Duration, nowFn func() time.Time) *signatureVerifier {
	if skew <= 0 {
		skew = defaultSignatureSkew
	}
	if skew > maxSignatureSkew {
		skew = maxSignatureSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	// Signatures older than the skew are rejected on timestamp alone, so the
	// cache only needs to cover both sides of the window.
	return &signatureVerifier{
		skew:   skew,
		nowFn:  nowFn,
		replay: newReplayCache(2*skew, replayCapacity),
	}
}

// Verify returns the address that signed body.
func (v *signatureVerifier) Verify(r *http.Request, body []byte) ([20]byte, error) {
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return [20]byte{}, fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn()
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skew {
		return [20]byte{}, fmt.Errorf("timestamp outside allowed skew of %s", v.skew)
	}
	nonceHeader := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonceHeader == "" {
		return [20]byte{}, fmt.Errorf("missing %s header", HeaderNonce)
	}
	nonce, err := uuid.Parse(nonceHeader)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid nonce: %w", err)
	}
	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if sigHeader == "" {
		return [20]byte{}, fmt.Errorf("missing %s header", HeaderSignature)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sigHeader, "0x"), "0X"))
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	caller, err := crypto.RecoverAddress(SigningDigest(tsHeader, nonceHeader, body), sig)
	if err != nil {
		return [20]byte{}, err
	}
	// Keyed on signer and nonce rather than signature bytes: a malleated
	// signature over the same nonce is still a replay.
	if v.replay.Seen(hex.EncodeToString(caller[:])+"/"+nonce.String(), now) {
		return [20]byte{}, errReplay
	}
	return caller, nil
}

func requireBearer(r *http.Request, token string) *RPCError {
	header := r.Header.Get("Authorization")
	if header == "" {
		return newError(http.StatusUnauthorized, codeUnauthorized, "missing Authorization header", nil)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return newError(http.StatusUnauthorized, codeUnauthorized, "Authorization header must use Bearer scheme", nil)
	}
	provided := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if provided == "" {
		return newError(http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		return newError(http.StatusUnauthorized, codeUnauthorized, "invalid RPC credentials", nil)
	}
	return nil
}

type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	ts  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether key was observed within the TTL and records it when
// it was not.
func (c *replayCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	if _, exists := c.entries[key]; exists {
		return true
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.evictFront()
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, ts: now})
	return false
}

func (c *replayCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		if front.Value.(replayEntry).ts.After(cutoff) {
			return
		}
		c.evictFront()
	}
}

func (c *replayCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(replayEntry).key)
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
