package receipt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestSigner_SignVerify(t *testing.T) {
	s, err := NewSigner(testKey, Options{Enabled: true, Validity: time.Hour})
	require.NoError(t, err)

	key, _ := crypto.HexToECDSA(testKey)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	r, err := s.Sign("remove_stake", map[string]string{"payout": "140"})
	require.NoError(t, err)
	assert.Equal(t, "remove_stake", r.Operation)
	assert.JSONEq(t, `{"payout":"140"}`, string(r.Payload))

	signer, err := Verify(r, time.Now())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), signer)

	// a receipt survives a trip through JSON
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded Receipt
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, err = Verify(&decoded, time.Now())
	assert.NoError(t, err)
}

func TestVerify_Tampered(t *testing.T) {
	s, err := NewSigner("", Options{Enabled: true})
	require.NoError(t, err)

	r, err := s.Sign("distribute", map[string]string{"pot": "10000"})
	require.NoError(t, err)

	forged := *r
	forged.Payload = json.RawMessage(`{"pot":"99999"}`)
	_, err = Verify(&forged, time.Now())
	assert.Error(t, err, "payload change must be detected")
	assert.Contains(t, err.Error(), "hash mismatch")

	other, err := NewSigner("", Options{})
	require.NoError(t, err)
	claimed := *r
	claimed.Signer = other.Address()
	_, err = Verify(&claimed, time.Now())
	assert.Error(t, err, "signer claim must match the recovered key")
}

func TestVerify_Expired(t *testing.T) {
	s, err := NewSigner("", Options{Enabled: true, Validity: time.Minute})
	require.NoError(t, err)

	r, err := s.Sign("fund_pot", "1")
	require.NoError(t, err)

	_, err = Verify(r, time.Now().Add(2*time.Minute))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestRequest_Recover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	req := Request{
		Method:  "POST",
		Path:    "/accounts/me/stakes",
		Body:    []byte(`{"amount":"100","period":1}`),
		Expires: 1700000000,
		Nonce:   "1",
	}
	sig, err := req.Sign(key)
	require.NoError(t, err)

	got, err := req.Recover(sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	changed := []Request{req, req, req}
	changed[0].Body = []byte(`{"amount":"1"}`)
	changed[1].Expires++
	changed[2].Nonce = "2"
	for i, c := range changed {
		got, err := c.Recover(sig)
		if err == nil {
			assert.NotEqual(t, want, got, "changed request %d recovers a different account", i)
		}
	}

	_, err = req.Recover("0x1234")
	assert.Error(t, err)
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewReplayCache(5 * time.Minute)

	req := Request{Method: "POST", Path: "/pot/fund", Body: []byte(`{"amount":"5"}`), Expires: now.Unix() + 60}
	require.NoError(t, c.Accept(req, now))
	assert.ErrorIs(t, c.Accept(req, now.Add(time.Second)), ErrRequestReplayed)

	again := req
	again.Nonce = "2"
	assert.NoError(t, c.Accept(again, now), "a new nonce is a new request")

	stale := req
	stale.Nonce = "3"
	assert.ErrorIs(t, c.Accept(stale, now.Add(2*time.Minute)), ErrRequestExpired)

	ahead := req
	ahead.Expires = now.Add(time.Hour).Unix()
	assert.Error(t, c.Accept(ahead, now), "expiry beyond the max age is refused")

	// expired entries are dropped on the next accept
	fresh := Request{Method: "POST", Path: "/distribute", Expires: now.Unix() + 300}
	require.NoError(t, c.Accept(fresh, now.Add(2*time.Minute)))
	assert.Equal(t, 1, c.Len())
}
