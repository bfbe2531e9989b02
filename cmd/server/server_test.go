package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/clock"
	"github.com/yourorg/weighted-stake-ledger/internal/config"
	"github.com/yourorg/weighted-stake-ledger/internal/export"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/receipt"
	"github.com/yourorg/weighted-stake-ledger/internal/solvency"
	"github.com/yourorg/weighted-stake-ledger/internal/store"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// keys holds the signing key of every test account
var keys = map[types.Address]*ecdsa.PrivateKey{}

func newAccount() types.Address {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	keys[addr] = key
	return addr
}

var (
	admin    = newAccount()
	alice    = newAccount()
	bob      = newAccount()
	carol    = newAccount()
	custody  = types.MustParseAddress("0x00000000000000000000000000000000000000c0")
	treasury = types.MustParseAddress("0x00000000000000000000000000000000000000f0")
)

type testEnv struct {
	t      *testing.T
	srv    *Server
	http   *httptest.Server
	bank   *bank.MemBank
	clock  *clock.Manual
	store  store.Store
	ledger *ledger.Ledger
	nonce  int
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Config{
		StoreBackend:      "memory",
		ReceiptsEnabled:   true,
		ReceiptValidity:   time.Hour,
		RequireSignatures: true,
		SignatureMaxAge:   5 * time.Minute,
		RequestTimeout:    5 * time.Second,
		GuardResetDelay:   time.Hour,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	b := bank.NewMemBank(custody)
	clk := clock.NewManual(100)
	st := store.NewMemory()
	exporter := export.New(export.Config{}, st)
	l := ledger.New(admin, b, clk,
		ledger.WithParams(ledger.Params{Periods: []uint64{10, 20, 30}, PenaltyRate: 10}),
		ledger.WithMinStake(uint256.NewInt(1)),
		ledger.WithEventHook(exporter.Observe),
	)
	signer, err := receipt.NewSigner("", receipt.Options{Enabled: true, Validity: time.Hour})
	require.NoError(t, err)

	srv := NewServer(cfg, Deps{
		Ledger:   l,
		Bank:     b,
		Store:    st,
		Exporter: exporter,
		Guard:    solvency.New(solvency.Thresholds{}).WithResetDelay(time.Hour),
		Signer:   signer,
		Decimals: 18,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, srv: srv, http: ts, bank: b, clock: clk, store: st, ledger: l}
}

func (e *testEnv) fund(account types.Address, amount uint64) {
	e.bank.Mint(account, uint256.NewInt(amount))
	e.bank.Approve(account, new(uint256.Int).SetAllOne())
}

type response struct {
	Status int
	Body   map[string]interface{}
	Raw    []byte
}

// do sends a request as caller. Requests from a known account are signed
// unless the headers already carry a signature.
func (e *testEnv) do(method, path string, caller *types.Address, body interface{}, headers ...string) response {
	e.t.Helper()

	var payload []byte
	switch v := body.(type) {
	case nil:
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(v)
		require.NoError(e.t, err)
	}

	req, err := http.NewRequest(method, e.http.URL+path, bytes.NewReader(payload))
	require.NoError(e.t, err)
	if caller != nil {
		req.Header.Set("X-Caller", caller.Hex())
		if key, ok := keys[*caller]; ok && e.srv.config.RequireSignatures && !hasHeader(headers, "X-Signature") {
			e.nonce++
			e.sign(req, key, receipt.Request{
				Method:  method,
				Path:    req.URL.Path,
				Body:    payload,
				Expires: time.Now().Add(time.Minute).Unix(),
				Nonce:   strconv.Itoa(e.nonce),
			})
		}
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)

	out := response{Status: resp.StatusCode, Raw: raw}
	_ = json.Unmarshal(raw, &out.Body)
	return out
}

func (e *testEnv) sign(req *http.Request, key *ecdsa.PrivateKey, signed receipt.Request) {
	e.t.Helper()
	sig, err := signed.Sign(key)
	require.NoError(e.t, err)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Signature-Expires", strconv.FormatInt(signed.Expires, 10))
	req.Header.Set("X-Nonce", signed.Nonce)
}

// signedHeaders signs a request ahead of time and returns its headers
func signedHeaders(t *testing.T, key *ecdsa.PrivateKey, signed receipt.Request) []string {
	t.Helper()
	sig, err := signed.Sign(key)
	require.NoError(t, err)
	return []string{
		"X-Signature", sig,
		"X-Signature-Expires", strconv.FormatInt(signed.Expires, 10),
		"X-Nonce", signed.Nonce,
	}
}

func hasHeader(headers []string, name string) bool {
	for i := 0; i < len(headers); i += 2 {
		if headers[i] == name {
			return true
		}
	}
	return false
}

func (e *testEnv) stake(account types.Address, amount string, period uint64) response {
	e.t.Helper()
	return e.do(http.MethodPost, "/accounts/"+account.Hex()+"/stakes", &account,
		map[string]interface{}{"amount": amount, "period": period})
}

func result(t *testing.T, r response) map[string]interface{} {
	t.Helper()
	require.Equal(t, http.StatusOK, r.Status, string(r.Raw))
	res, ok := r.Body["result"].(map[string]interface{})
	require.True(t, ok, string(r.Raw))
	return res
}

func TestServer_StakeDistributeRemove(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(alice, 5000)
	e.fund(bob, 5000)
	e.fund(carol, 400)

	added := result(t, e.stake(alice, "1000", 10))
	assert.Equal(t, float64(0), added["index"])
	assert.Equal(t, float64(1), added["weight"])
	result(t, e.stake(bob, "1000", 30))

	funded := result(t, e.do(http.MethodPost, "/pot/fund", &carol, map[string]string{"amount": "400"}))
	assert.Equal(t, "400", funded["pot"])

	dist := e.do(http.MethodPost, "/distribute", &carol, nil)
	d := result(t, dist)
	assert.Equal(t, "400", d["credited"])
	assert.Contains(t, dist.Body, "receipt")

	pending := e.do(http.MethodGet, "/accounts/"+bob.Hex()+"/stakes/0/pending", nil, nil)
	require.Equal(t, http.StatusOK, pending.Status)
	assert.Equal(t, "0", pending.Body["pending_reward"])

	removed := e.do(http.MethodDelete, "/accounts/"+alice.Hex()+"/stakes/0", &alice, nil)
	w := result(t, removed)
	assert.Equal(t, true, w["early"])
	assert.Equal(t, "100", w["penalty"])
	assert.Equal(t, "100", w["reward"])
	assert.Equal(t, "1000", w["payout"])

	bal, err := e.bank.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), bal.Uint64())

	// the receipt carries the withdrawal and recovers to the server's signer
	var signed struct {
		Receipt receipt.Receipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(removed.Raw, &signed))
	signer, err := receipt.Verify(&signed.Receipt, time.Now())
	require.NoError(t, err)
	assert.Equal(t, e.srv.signer.Address(), signer)
	assert.Equal(t, "remove_stake", signed.Receipt.Operation)

	totals := e.do(http.MethodGet, "/ledger", nil, nil)
	require.Equal(t, http.StatusOK, totals.Status)
	tot := totals.Body["totals"].(map[string]interface{})
	assert.Equal(t, "1000", tot["total_stake"])
	assert.Equal(t, "3000", tot["total_stake_weight"])
	assert.Equal(t, "300", tot["total_reward"])

	reward := e.do(http.MethodGet, "/rewards/total", nil, nil)
	assert.Equal(t, "300", reward.Body["total_reward"])

	assert.Equal(t, solvency.StateClosed, e.srv.guard.GetState())
}

func TestServer_ErrorMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(alice, 5000)
	result(t, e.stake(alice, "1000", 10))

	tests := []struct {
		name   string
		method string
		path   string
		caller *types.Address
		body   interface{}
		status int
		class  string
	}{
		{"missing caller", http.MethodPost, "/distribute", nil, nil, http.StatusUnauthorized, ""},
		{"not admin", http.MethodPut, "/penalty", &alice, map[string]uint64{"rate": 5}, http.StatusForbidden, "authorization"},
		{"stake for someone else", http.MethodPost, "/accounts/" + bob.Hex() + "/stakes", &alice, map[string]interface{}{"amount": "10", "period": 10}, http.StatusForbidden, "authorization"},
		{"unknown period", http.MethodPost, "/accounts/" + alice.Hex() + "/stakes", &alice, map[string]interface{}{"amount": "10", "period": 11}, http.StatusBadRequest, "validation"},
		{"penalty out of range", http.MethodPut, "/penalty", &admin, map[string]uint64{"rate": 101}, http.StatusBadRequest, "validation"},
		{"malformed body", http.MethodPut, "/periods", &admin, "{", http.StatusBadRequest, ""},
		{"invalid index", http.MethodDelete, "/accounts/" + alice.Hex() + "/stakes/7", &alice, nil, http.StatusNotFound, "validation"},
		{"empty pot", http.MethodPost, "/distribute", &alice, nil, http.StatusConflict, "resource"},
		{"transfer rejected", http.MethodPost, "/accounts/" + bob.Hex() + "/stakes", &bob, map[string]interface{}{"amount": "10", "period": 10}, http.StatusBadGateway, "collaborator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.do(tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.status, r.Status, string(r.Raw))
			assert.Equal(t, "error", r.Body["status"])
			if tt.class != "" {
				assert.Equal(t, tt.class, r.Body["class"])
			}
		})
	}
}

func TestServer_AdminOperations(t *testing.T) {
	e := newTestEnv(t, nil)

	r := result(t, e.do(http.MethodPut, "/periods", &admin, map[string]interface{}{"periods": []uint64{30, 10}}))
	params := r["params"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(30), float64(10)}, params["periods"])
	assert.NotEmpty(t, r["warnings"], "unordered periods are accepted with a warning")

	r = result(t, e.do(http.MethodPut, "/penalty", &admin, map[string]uint64{"rate": 0}))
	assert.Equal(t, float64(0), r["penalty_rate"])

	r = result(t, e.do(http.MethodPut, "/pot/address", &admin, map[string]string{"address": treasury.Hex()}))
	assert.Equal(t, strings.ToLower(treasury.Hex()), strings.ToLower(r["pot_address"].(string)))

	set := result(t, e.do(http.MethodPost, "/admin/stakes", &admin, map[string]interface{}{
		"account": carol.Hex(),
		"amount":  "700",
		"period":  10,
		"start":   40,
		"reward":  "5",
	}))
	assert.Equal(t, float64(40), set["start_height"])
	assert.Equal(t, float64(2), set["weight"])

	stakes := e.do(http.MethodGet, "/accounts/"+carol.Hex()+"/stakes", nil, nil)
	require.Equal(t, http.StatusOK, stakes.Status)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(stakes.Raw, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "700", views[0]["amount"])

	current := e.do(http.MethodGet, "/periods", nil, nil)
	assert.Equal(t, float64(4), current.Body["version"])
}

func TestServer_Migrate(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(bob, 1000)
	result(t, e.stake(bob, "1000", 10))

	manifest := `
source: legacy
stakes:
  - account: "` + alice.Hex() + `"
    amount: "500"
    period: 20
    start: 90
  - account: "` + bob.Hex() + `"
    amount: "300"
    period: 25
`
	denied := e.do(http.MethodPost, "/admin/migrate", &alice, manifest)
	assert.Equal(t, http.StatusForbidden, denied.Status)

	r := result(t, e.do(http.MethodPost, "/admin/migrate", &admin, manifest))
	assert.Equal(t, float64(1), r["applied"])
	assert.Len(t, r["rejected"], 1)
	assert.Len(t, e.ledger.Stakes(alice), 1)

	// migrated principal is not expected in custody
	assert.Equal(t, solvency.StateClosed, e.srv.guard.GetState(), e.srv.guard.Reason())
	status := e.do(http.MethodGet, "/solvency", nil, nil)
	require.Equal(t, http.StatusOK, status.Status)
	assert.Equal(t, "0", status.Body["deficit"])

	// funded stakes still pay out after a migration
	removed := result(t, e.do(http.MethodDelete, "/accounts/"+bob.Hex()+"/stakes/0", &bob, nil))
	assert.Equal(t, "900", removed["payout"])
	assert.Equal(t, solvency.StateClosed, e.srv.guard.GetState(), e.srv.guard.Reason())
}

func TestServer_SolvencyGuard(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(alice, 5000)
	e.fund(bob, 5000)
	result(t, e.stake(alice, "1000", 10))
	result(t, e.stake(bob, "1000", 10))

	// custody loses funds behind the ledger's back
	require.NoError(t, e.bank.Transfer(custody, treasury, uint256.NewInt(1500)))
	result(t, e.stake(bob, "10", 10))
	assert.Equal(t, solvency.StateOpen, e.srv.guard.GetState())

	refused := e.do(http.MethodDelete, "/accounts/"+alice.Hex()+"/stakes/0", &alice, nil)
	assert.Equal(t, http.StatusServiceUnavailable, refused.Status)
	assert.Len(t, e.ledger.Stakes(alice), 1)
	st, err := e.ledger.Stake(alice, 0)
	require.NoError(t, err)
	assert.True(t, st.IsOpen())

	status := e.do(http.MethodGet, "/solvency", nil, nil)
	require.Equal(t, http.StatusOK, status.Status)
	assert.Equal(t, "open", status.Body["state"])
	assert.Equal(t, "1500", status.Body["deficit"])

	denied := e.do(http.MethodPost, "/solvency/reset", &alice, nil)
	assert.Equal(t, http.StatusForbidden, denied.Status)

	reset := result(t, e.do(http.MethodPost, "/solvency/reset", &admin, nil))
	assert.Equal(t, "closed", reset["state"])
}

func TestServer_SignedRequests(t *testing.T) {
	e := newTestEnv(t, nil)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	staker := crypto.PubkeyToAddress(key.PublicKey)
	e.fund(staker, 1000)

	path := "/accounts/" + staker.Hex() + "/stakes"
	body := `{"amount":"100","period":20}`
	signed := receipt.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    []byte(body),
		Expires: time.Now().Add(time.Minute).Unix(),
		Nonce:   "1",
	}
	headers := signedHeaders(t, key, signed)

	ok := e.do(http.MethodPost, path, &staker, body, headers...)
	assert.Equal(t, http.StatusOK, ok.Status, string(ok.Raw))

	replayed := e.do(http.MethodPost, path, &staker, body, headers...)
	assert.Equal(t, http.StatusUnauthorized, replayed.Status)
	assert.Contains(t, replayed.Body["error"], "already used")

	unsigned := e.do(http.MethodPost, path, &staker, body, "X-Signature", "")
	assert.Equal(t, http.StatusUnauthorized, unsigned.Status)

	// a valid signature does not let the signer claim another account
	next := signed
	next.Nonce = "2"
	other := e.do(http.MethodPost, path, &alice, body, signedHeaders(t, key, next)...)
	assert.Equal(t, http.StatusUnauthorized, other.Status)

	next.Nonce = "3"
	tampered := e.do(http.MethodPost, path, &staker, `{"amount":"900","period":20}`, signedHeaders(t, key, next)...)
	assert.Equal(t, http.StatusUnauthorized, tampered.Status)

	expired := signed
	expired.Nonce = "4"
	expired.Expires = time.Now().Add(-time.Minute).Unix()
	late := e.do(http.MethodPost, path, &staker, body, signedHeaders(t, key, expired)...)
	assert.Equal(t, http.StatusUnauthorized, late.Status)
	assert.Contains(t, late.Body["error"], "expired")

	distant := signed
	distant.Nonce = "5"
	distant.Expires = time.Now().Add(time.Hour).Unix()
	ahead := e.do(http.MethodPost, path, &staker, body, signedHeaders(t, key, distant)...)
	assert.Equal(t, http.StatusUnauthorized, ahead.Status)

	// the same request under a fresh nonce is a new request
	again := signed
	again.Nonce = "6"
	second := e.do(http.MethodPost, path, &staker, body, signedHeaders(t, key, again)...)
	assert.Equal(t, http.StatusOK, second.Status, string(second.Raw))

	assert.Len(t, e.ledger.Stakes(staker), 2)
}

func TestServer_UnsignedAdminRejectedByDefault(t *testing.T) {
	e := newTestEnv(t, nil)

	r := e.do(http.MethodPut, "/penalty", &admin, map[string]uint64{"rate": 100}, "X-Signature", "")
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, uint64(10), e.ledger.Params().PenaltyRate)
}

func TestServer_TrustedCallerHeader(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.RequireSignatures = false })

	r := result(t, e.do(http.MethodPut, "/penalty", &admin, map[string]uint64{"rate": 20}))
	assert.Equal(t, float64(20), r["penalty_rate"])
}

func TestBuild_Warnings(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	warned := func(substr string) bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level <= logrus.WarnLevel && strings.Contains(entry.Message, substr) {
				return true
			}
		}
		return false
	}

	cfg := config.Config{
		StoreBackend:         "bolt",
		DataDir:              t.TempDir(),
		RequireSignatures:    true,
		SolvencyCheckEnabled: true,
		GuardMaxDeficit:      "0",
		GuardSuccesses:       2,
		GuardResetDelay:      time.Minute,
	}

	s, err := build(cfg)
	require.NoError(t, err)
	s.Close(context.Background())
	assert.False(t, warned("in-memory bank rebuilt"), "a fresh ledger needs no warning")
	assert.False(t, warned("REQUIRE_SIGNATURES"))

	// the snapshot saved on close is restored over a rebuilt in-memory bank
	s, err = build(cfg)
	require.NoError(t, err)
	s.Close(context.Background())
	assert.True(t, warned("in-memory bank rebuilt"))

	cfg.StoreBackend = "memory"
	cfg.RequireSignatures = false
	s, err = build(cfg)
	require.NoError(t, err)
	s.Close(context.Background())
	assert.True(t, warned("REQUIRE_SIGNATURES is off"))
}

func TestServer_RateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	first := e.do(http.MethodPost, "/distribute", &alice, nil)
	assert.Equal(t, http.StatusConflict, first.Status)

	second := e.do(http.MethodPost, "/distribute", &alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Status)

	// reads are not limited
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/ledger", nil, nil).Status)
}

func TestServer_PersistsSnapshotsAndEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(alice, 5000)
	result(t, e.stake(alice, "1000", 20))
	result(t, e.stake(alice, "250", 30))

	data, err := e.store.LoadSnapshot()
	require.NoError(t, err)
	state, err := ledger.DecodeState(data)
	require.NoError(t, err)

	restored := ledger.New(admin, bank.NewMemBank(custody), clock.NewManual(100))
	require.NoError(t, restored.Restore(state))
	assert.Equal(t, uint64(1250), restored.TotalStake().Uint64())
	assert.Equal(t, uint64(1000*2+250*3), restored.TotalStakeWeight().Uint64())

	events := e.do(http.MethodGet, "/events", nil, nil)
	require.Equal(t, http.StatusOK, events.Status)
	var records []struct {
		Seq   uint64       `json:"seq"`
		Event ledger.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(events.Raw, &records))
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, ledger.EventStakeAdded, records[0].Event.Kind)
	assert.Equal(t, 1, records[1].Event.Index)

	later := e.do(http.MethodGet, "/events?from=2", nil, nil)
	require.NoError(t, json.Unmarshal(later.Raw, &records))
	assert.Len(t, records, 1)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/events?from=x", nil, nil).Status)
}

func TestServer_ReportsAndService(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fund(alice, 5000)
	result(t, e.stake(alice, "1000", 10))

	summary := e.do(http.MethodGet, "/accounts/"+alice.Hex()+"/summary", nil, nil)
	require.Equal(t, http.StatusOK, summary.Status)
	assert.Equal(t, float64(1), summary.Body["open_stakes"])
	assert.Equal(t, "1000", summary.Body["principal"])

	rep := e.do(http.MethodGet, "/report", nil, nil)
	assert.Equal(t, http.StatusOK, rep.Status, string(rep.Raw))

	health := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, "OK", health.Body["status"])

	status := e.do(http.MethodGet, "/status", nil, nil)
	assert.Equal(t, "closed", status.Body["solvency_guard"])

	metrics := e.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, metrics.Status)
	assert.Contains(t, string(metrics.Raw), "ledger_total_stake 1000")
	assert.Contains(t, string(metrics.Raw), `ledger_requests_total{operation="add_stake",status="success"} 1`)

	bad := e.do(http.MethodGet, "/accounts/nobody/summary", nil, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Status)
}
