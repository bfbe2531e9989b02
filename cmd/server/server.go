package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/config"
	"github.com/yourorg/weighted-stake-ledger/internal/export"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/migrate"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/otel"
	"github.com/yourorg/weighted-stake-ledger/internal/receipt"
	"github.com/yourorg/weighted-stake-ledger/internal/report"
	"github.com/yourorg/weighted-stake-ledger/internal/solvency"
	"github.com/yourorg/weighted-stake-ledger/internal/store"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/validation"
)

const maxEventsPerPage = 1000

var errGuardDisabled = errors.New("solvency guard not enabled")

// Deps are the collaborators a Server serves. Exporter, Guard and Signer
// are optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Bank     bank.Bank
	Store    store.Store
	Exporter *export.Exporter
	Guard    *solvency.Guard
	Signer   *receipt.Signer
	Decimals uint8
}

// NewServer creates a server around an initialized ledger
func NewServer(cfg config.Config, d Deps) *Server {
	s := &Server{
		config:   cfg,
		decimals: d.Decimals,
		ledger:   d.Ledger,
		bank:     d.Bank,
		store:    d.Store,
		exporter: d.Exporter,
		guard:    d.Guard,
		signer:   d.Signer,
		metrics:  registerMetrics(),
	}

	maxAge := cfg.SignatureMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	s.replay = receipt.NewReplayCache(maxAge)

	if cfg.RateLimit > 0 {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimit, cfg.RateBurst)
	}
	if s.guard != nil {
		s.guard.WithTripCallback(func(reason string, sample solvency.Sample) {
			logrus.WithFields(logrus.Fields{
				"height": sample.Height,
				"held":   model.FormatAmount(&sample.Held),
				"owed":   model.FormatAmount(&sample.Owed),
			}).Warnf("Solvency guard tripped: %s", reason)
		})
	}
	s.refreshGauges()

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Port,
		"admin":              s.ledger.Admin().Hex(),
		"custody":            s.ledger.Custody().Hex(),
		"store":              cfg.StoreBackend,
		"solvency_guard":     s.guard != nil,
		"require_signatures": cfg.RequireSignatures,
	}).Info("Server initialized")
	return s
}

// Router returns the HTTP routes of the service
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/ledger", s.query("ledger", s.getLedger)).Methods(http.MethodGet)
	r.HandleFunc("/report", s.query("report", s.getReport)).Methods(http.MethodGet)
	r.HandleFunc("/events", s.query("events", s.getEvents)).Methods(http.MethodGet)
	r.HandleFunc("/rewards/total", s.query("total_reward", s.getTotalReward)).Methods(http.MethodGet)
	r.HandleFunc("/periods", s.query("params", s.getParams)).Methods(http.MethodGet)
	r.HandleFunc("/solvency", s.query("solvency", s.getSolvency)).Methods(http.MethodGet)

	r.HandleFunc("/periods", s.mutation("set_periods", false, s.setPeriods)).Methods(http.MethodPut)
	r.HandleFunc("/penalty", s.mutation("set_penalty_rate", false, s.setPenaltyRate)).Methods(http.MethodPut)
	r.HandleFunc("/pot/address", s.mutation("set_pot_address", false, s.setPotAddress)).Methods(http.MethodPut)
	r.HandleFunc("/pot/fund", s.mutation("fund_pot", false, s.fundPot)).Methods(http.MethodPost)
	r.HandleFunc("/distribute", s.mutation("distribute", true, s.distribute)).Methods(http.MethodPost)
	r.HandleFunc("/admin/stakes", s.mutation("set_stake", false, s.setStake)).Methods(http.MethodPost)
	r.HandleFunc("/admin/migrate", s.mutation("migrate", false, s.migrate)).Methods(http.MethodPost)
	r.HandleFunc("/solvency/reset", s.mutation("reset_guard", false, s.resetGuard)).Methods(http.MethodPost)

	acct := r.PathPrefix("/accounts/{address}").Subrouter()
	acct.HandleFunc("/stakes", s.query("stakes", s.getStakes)).Methods(http.MethodGet)
	acct.HandleFunc("/stakes", s.mutation("add_stake", false, s.addStake)).Methods(http.MethodPost)
	acct.HandleFunc("/stakes/{index}", s.mutation("remove_stake", true, s.removeStake)).Methods(http.MethodDelete)
	acct.HandleFunc("/stakes/{index}/pending", s.query("pending_reward", s.getPendingReward)).Methods(http.MethodGet)
	acct.HandleFunc("/summary", s.query("summary", s.getSummary)).Methods(http.MethodGet)

	return r
}

// queryFunc answers a read-only request
type queryFunc func(ctx context.Context, r *http.Request) (interface{}, error)

// mutationFunc applies one ledger mutation on behalf of caller
type mutationFunc func(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error)

func (s *Server) query(op string, fn queryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartSpan(r.Context(), op)
		defer span.End()

		result, err := fn(ctx, r)
		s.observe(op, start, err)
		if err != nil {
			otel.RecordError(ctx, err)
			errorResponse(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// mutation wraps fn with rate limiting, caller authentication and tracing.
// Payout operations are refused while the solvency guard is open and their
// results are returned with a signed receipt. Every successful mutation is
// persisted and followed by a solvency check.
func (s *Server) mutation(op string, payout bool, fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		result, err := s.apply(r, op, payout, fn)
		s.observe(op, start, err)
		if err != nil {
			errorResponse(w, statusFor(err), err)
			return
		}

		response := map[string]interface{}{
			"status":    "success",
			"operation": op,
			"height":    s.ledger.Height(),
			"result":    result,
		}
		if payout && s.signer != nil && s.signer.Enabled() {
			rec, err := s.signer.Sign(op, result)
			if err != nil {
				logrus.Warnf("Failed to sign %s receipt: %v", op, err)
			} else {
				response["receipt"] = rec
			}
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func (s *Server) apply(r *http.Request, op string, payout bool, fn mutationFunc) (interface{}, error) {
	if s.rateLimit != nil && !s.rateLimit.Allow() {
		return nil, errRateLimited
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	caller, err := s.callerOf(r, body)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	ctx, span := otel.StartSpan(ctx, op, attribute.String("caller", caller.Hex()))
	defer span.End()

	if payout && s.guard != nil {
		if err := s.guard.Allow(); err != nil {
			otel.RecordError(ctx, err)
			return nil, err
		}
	}

	result, err := fn(ctx, caller, r, body)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, err
	}

	s.persist()
	s.checkSolvency(ctx)
	return result, nil
}

func (s *Server) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = strconv.Itoa(statusFor(err))
	}
	s.metrics.requestCounter.WithLabelValues(op, status).Inc()
	s.metrics.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// persist saves a snapshot of the current ledger state
func (s *Server) persist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := s.ledger.Snapshot().Encode()
	if err != nil {
		logrus.Errorf("Failed to encode ledger snapshot: %v", err)
		return
	}
	if err := s.store.SaveSnapshot(data); err != nil {
		logrus.Errorf("Failed to save ledger snapshot: %v", err)
	}
}

// checkSolvency compares custody with the ledger's obligations and feeds
// the result to the guard
func (s *Server) checkSolvency(ctx context.Context) {
	defer s.refreshGauges()

	sample, err := solvency.Measure(ctx, s.ledger, s.bank)
	if err != nil {
		logrus.WithError(err).Warn("Solvency measurement failed")
		return
	}
	s.metrics.custodyHeld.Set(toFloat(&sample.Held))

	if s.guard == nil {
		return
	}
	if err := s.guard.Check(sample); err != nil {
		logrus.Warnf("Solvency check failed: %v", err)
	}
}

func (s *Server) refreshGauges() {
	if s.guard != nil {
		s.metrics.guardState.Set(float64(s.guard.GetState()))
	}

	totals, err := s.ledger.Totals()
	if err != nil {
		return
	}
	s.metrics.totalStake.Set(toFloat(&totals.TotalStake))
	s.metrics.totalWeight.Set(toFloat(&totals.TotalStakeWeight))
	s.metrics.totalReward.Set(toFloat(&totals.TotalReward))
	s.metrics.pot.Set(toFloat(&totals.Pot))
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":         "operational",
		"uptime":         time.Since(startTime).String(),
		"version":        "1.0.0",
		"height":         s.ledger.Height(),
		"params_version": s.ledger.Params().Version,
		"configuration": map[string]interface{}{
			"store":              s.config.StoreBackend,
			"require_signatures": s.config.RequireSignatures,
			"remote_bank":        s.config.BankURL != "",
		},
	}
	if s.guard != nil {
		status["solvency_guard"] = s.guard.GetState().String()
	}
	if s.signer != nil {
		status["receipt_signer"] = s.signer.Address()
	}
	if s.exporter != nil {
		status["export"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getLedger(ctx context.Context, r *http.Request) (interface{}, error) {
	totals, err := s.ledger.Totals()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"admin":     s.ledger.Admin(),
		"custody":   s.ledger.Custody(),
		"min_stake": model.FormatAmount(s.ledger.MinStake()),
		"totals":    totals,
	}, nil
}

func (s *Server) getParams(ctx context.Context, r *http.Request) (interface{}, error) {
	return s.ledger.Params(), nil
}

func (s *Server) getTotalReward(ctx context.Context, r *http.Request) (interface{}, error) {
	total, err := s.ledger.TotalReward()
	if err != nil {
		return nil, err
	}
	return map[string]string{"total_reward": model.FormatAmount(total)}, nil
}

func (s *Server) getReport(ctx context.Context, r *http.Request) (interface{}, error) {
	return report.Build(s.ledger.Snapshot(), s.decimals)
}

// eventRecord is one journaled event as served by /events
type eventRecord struct {
	Seq   uint64          `json:"seq"`
	Event json.RawMessage `json:"event"`
}

func (s *Server) getEvents(ctx context.Context, r *http.Request) (interface{}, error) {
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: from: %v", errBadRequest, err)
		}
		from = n
	}

	records := make([]eventRecord, 0)
	errPageFull := errors.New("page full")
	err := s.store.Events(from, func(seq uint64, data []byte) error {
		if len(records) == maxEventsPerPage {
			return errPageFull
		}
		records = append(records, eventRecord{Seq: seq, Event: append(json.RawMessage(nil), data...)})
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		return nil, err
	}
	return records, nil
}

func (s *Server) getSolvency(ctx context.Context, r *http.Request) (interface{}, error) {
	if s.guard == nil {
		return nil, errGuardDisabled
	}
	resp := map[string]interface{}{
		"state": s.guard.GetState().String(),
	}
	if reason := s.guard.Reason(); reason != "" {
		resp["reason"] = reason
	}
	if sample, err := solvency.Measure(ctx, s.ledger, s.bank); err == nil {
		resp["held"] = model.FormatAmount(&sample.Held)
		resp["owed"] = model.FormatAmount(&sample.Owed)
		resp["residue"] = model.FormatAmount(sample.Residue())
		resp["deficit"] = model.FormatAmount(sample.Deficit())
	}
	if last, ok := s.guard.LastGood(); ok {
		resp["last_good_height"] = last.Height
	}
	return resp, nil
}

func (s *Server) getStakes(ctx context.Context, r *http.Request) (interface{}, error) {
	account, err := pathAccount(r)
	if err != nil {
		return nil, err
	}
	stakes := s.ledger.Stakes(account)
	views := make([]model.StakeView, 0, len(stakes))
	for i, st := range stakes {
		views = append(views, st.View(i))
	}
	return views, nil
}

func (s *Server) getPendingReward(ctx context.Context, r *http.Request) (interface{}, error) {
	account, err := pathAccount(r)
	if err != nil {
		return nil, err
	}
	index, err := pathIndex(r)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.PendingReward(ctx, account, index)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account":        account,
		"index":          index,
		"pending_reward": model.FormatAmount(pending),
	}, nil
}

func (s *Server) getSummary(ctx context.Context, r *http.Request) (interface{}, error) {
	account, err := pathAccount(r)
	if err != nil {
		return nil, err
	}
	return report.Summarize(ctx, s.ledger, account, s.decimals)
}

type addStakeRequest struct {
	amountArg
	Period uint64 `json:"period"`
}

func (s *Server) addStake(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	owner, err := pathAccount(r)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, ledger.ErrNotOwner
	}

	var req addStakeRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	amount, err := req.value(s.decimals)
	if err != nil {
		return nil, err
	}

	index, err := s.ledger.AddStake(ctx, caller, amount, req.Period)
	if err != nil {
		return nil, err
	}
	st, err := s.ledger.Stake(caller, index)
	if err != nil {
		return nil, err
	}
	return st.View(index), nil
}

func (s *Server) removeStake(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	owner, err := pathAccount(r)
	if err != nil {
		return nil, err
	}
	index, err := pathIndex(r)
	if err != nil {
		return nil, err
	}

	w, err := s.ledger.RemoveStake(ctx, caller, owner, index)
	if err != nil {
		return nil, err
	}
	s.metrics.payouts.Inc()
	if !w.Penalty.IsZero() {
		s.metrics.penalties.Inc()
	}
	return w, nil
}

func (s *Server) setPeriods(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	var req struct {
		Periods []uint64 `json:"periods"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	p, err := s.ledger.SetPeriods(caller, req.Periods)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"params":   p,
		"warnings": validation.CheckPeriods(p.Periods),
	}, nil
}

func (s *Server) setPenaltyRate(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	var req struct {
		Rate *uint64 `json:"rate"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Rate == nil {
		return nil, fmt.Errorf("%w: rate is required", errBadRequest)
	}
	return s.ledger.SetPenaltyRate(caller, *req.Rate)
}

func (s *Server) setPotAddress(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	pot, err := types.ParseAddress(req.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.ledger.SetPotAddress(caller, pot)
}

func (s *Server) fundPot(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	var req amountArg
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	amount, err := req.value(s.decimals)
	if err != nil {
		return nil, err
	}

	pot, err := s.ledger.FundPot(ctx, caller, amount)
	if err != nil {
		return nil, err
	}
	return map[string]string{"pot": model.FormatAmount(pot)}, nil
}

func (s *Server) distribute(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	d, err := s.ledger.Distribute(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.metrics.distributions.Inc()
	return d, nil
}

type setStakeRequest struct {
	Account string `json:"account"`
	amountArg
	Period uint64 `json:"period"`
	Start  uint64 `json:"start"`
	Reward string `json:"reward"`
}

func (s *Server) setStake(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	var req setStakeRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	account, err := types.ParseAddress(req.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	amount, err := req.value(s.decimals)
	if err != nil {
		return nil, err
	}
	reward, err := model.ParseAmount(req.Reward)
	if err != nil {
		return nil, fmt.Errorf("%w: reward: %v", errBadRequest, err)
	}

	index, err := s.ledger.SetStake(ctx, caller, amount, req.Period, account, req.Start, reward)
	if err != nil {
		return nil, err
	}
	st, err := s.ledger.Stake(account, index)
	if err != nil {
		return nil, err
	}
	return st.View(index), nil
}

// migrate imports a YAML manifest posted as the request body
func (s *Server) migrate(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	if caller != s.ledger.Admin() {
		return nil, ledger.ErrNotAdmin
	}
	m, err := migrate.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return migrate.Apply(ctx, s.ledger, caller, m)
}

func (s *Server) resetGuard(ctx context.Context, caller types.Address, r *http.Request, body []byte) (interface{}, error) {
	if caller != s.ledger.Admin() {
		return nil, ledger.ErrNotAdmin
	}
	if s.guard == nil {
		return nil, errGuardDisabled
	}
	s.guard.Reset()
	return map[string]string{"state": s.guard.GetState().String()}, nil
}

func pathAccount(r *http.Request) (types.Address, error) {
	account, err := types.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return account, nil
}

func pathIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidIndex, mux.Vars(r)["index"])
	}
	return index, nil
}
