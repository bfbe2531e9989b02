// Package receipt signs the outcome of ledger operations so that callers can
// prove what the ledger paid or credited, and authenticates signed requests.
package receipt

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// Options configures receipt signing
type Options struct {
	Enabled  bool          `json:"enabled"`
	Validity time.Duration `json:"validity"`
}

// Receipt is a signed record of one operation's result
type Receipt struct {
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	IssuedAt   int64           `json:"issued_at"`
	ValidUntil int64           `json:"valid_until,omitempty"`
	Hash       string          `json:"keccak256"`
	Signature  string          `json:"signature"`
	Signer     types.Address   `json:"signer"`
}

// Signer issues receipts with a secp256k1 key
type Signer struct {
	key     *ecdsa.PrivateKey
	address types.Address
	opts    Options
	now     func() time.Time
}

// NewSigner loads the hex encoded private key, or generates a fresh one when
// keyHex is empty
func NewSigner(keyHex string, opts Options) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if keyHex == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		opts:    opts,
		now:     time.Now,
	}

	logrus.WithField("signer", s.address.Hex()).Info("Receipt signer initialized")
	return s, nil
}

// Address is the account that signs receipts
func (s *Signer) Address() types.Address { return s.address }

// Enabled reports whether receipts should be attached to responses
func (s *Signer) Enabled() bool { return s.opts.Enabled }

// Sign creates a receipt over the JSON encoding of payload
func (s *Signer) Sign(operation string, payload interface{}) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := s.now()
	r := &Receipt{
		Operation: operation,
		Payload:   body,
		IssuedAt:  now.Unix(),
		Signer:    s.address,
	}
	if s.opts.Validity > 0 {
		r.ValidUntil = now.Add(s.opts.Validity).Unix()
	}

	digest := r.digest()
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}

	r.Hash = hexutil.Encode(digest)
	r.Signature = hexutil.Encode(sig)
	return r, nil
}

// Verify checks the receipt hash, recovers the signing account and checks it
// against the claimed signer and the validity window
func Verify(r *Receipt, now time.Time) (types.Address, error) {
	digest := r.digest()
	if hexutil.Encode(digest) != r.Hash {
		return types.ZeroAddress, fmt.Errorf("receipt hash mismatch")
	}

	signer, err := recoverSigner(digest, r.Signature)
	if err != nil {
		return types.ZeroAddress, err
	}
	if signer != r.Signer {
		return types.ZeroAddress, fmt.Errorf("receipt signed by %s, claims %s", signer.Hex(), r.Signer.Hex())
	}

	if r.ValidUntil != 0 && now.Unix() > r.ValidUntil {
		return types.ZeroAddress, fmt.Errorf("receipt expired at %v", time.Unix(r.ValidUntil, 0))
	}
	return signer, nil
}

// digest is keccak256(operation | 0x00 | issuedAt | validUntil | payload)
func (r *Receipt) digest() []byte {
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(r.IssuedAt))
	binary.BigEndian.PutUint64(ts[8:], uint64(r.ValidUntil))
	return crypto.Keccak256([]byte(r.Operation), []byte{0}, ts[:], r.Payload)
}

func recoverSigner(digest []byte, sigHex string) (types.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return types.ZeroAddress, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	// wallets produce v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("signature verification failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
