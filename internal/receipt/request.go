package receipt

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

var (
	// ErrRequestExpired is returned for a signed request past its expiry
	ErrRequestExpired = errors.New("request signature expired")

	// ErrRequestReplayed is returned when a signed request is presented twice
	ErrRequestReplayed = errors.New("request signature already used")
)

// Request is the part of an HTTP request a caller signs. Expires is a unix
// timestamp; Nonce lets a caller send the same request twice within one
// validity window.
type Request struct {
	Method  string
	Path    string
	Body    []byte
	Expires int64
	Nonce   string
}

// Digest is keccak256(method | 0x00 | path | 0x00 | expires | nonce | 0x00 | body)
func (r Request) Digest() []byte {
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(r.Expires))
	return crypto.Keccak256([]byte(r.Method), []byte{0}, []byte(r.Path), []byte{0}, exp[:], []byte(r.Nonce), []byte{0}, r.Body)
}

// Sign signs the request with key, returning the hex signature to send in
// the X-Signature header
func (r Request) Sign(key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(r.Digest(), key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Recover returns the account that produced sigHex over the request
func (r Request) Recover(sigHex string) (types.Address, error) {
	return recoverSigner(r.Digest(), sigHex)
}

// ReplayCache accepts every signed request at most once. Entries are kept
// until their expiry passes, and expiries further ahead than maxAge are
// refused so the cache stays bounded.
type ReplayCache struct {
	maxAge time.Duration

	mu   sync.Mutex
	seen map[common.Hash]int64
}

// NewReplayCache creates a cache accepting expiries up to maxAge ahead
func NewReplayCache(maxAge time.Duration) *ReplayCache {
	return &ReplayCache{
		maxAge: maxAge,
		seen:   make(map[common.Hash]int64),
	}
}

// Accept records r as used at now
func (c *ReplayCache) Accept(r Request, now time.Time) error {
	if r.Expires < now.Unix() {
		return fmt.Errorf("%w at %v", ErrRequestExpired, time.Unix(r.Expires, 0).UTC())
	}
	if limit := now.Add(c.maxAge).Unix(); r.Expires > limit {
		return fmt.Errorf("request expiry is more than %v ahead", c.maxAge)
	}

	digest := common.BytesToHash(r.Digest())

	c.mu.Lock()
	defer c.mu.Unlock()

	for h, exp := range c.seen {
		if exp < now.Unix() {
			delete(c.seen, h)
		}
	}
	if _, ok := c.seen[digest]; ok {
		return ErrRequestReplayed
	}
	c.seen[digest] = r.Expires
	return nil
}

// Len returns the number of requests remembered
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
