package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/receipt"
	"github.com/yourorg/weighted-stake-ledger/internal/solvency"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/units"
)

// Request helpers shared by the handlers

const maxBodyBytes = 1 << 20

var (
	errNoCaller     = errors.New("missing X-Caller header")
	errBadSignature = errors.New("request signature does not match caller")
	errBadRequest   = errors.New("bad request")
	errRateLimited  = errors.New("rate limit exceeded")
)

// apiError is the JSON body of every failed request
type apiError struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
	Class      string `json:"class,omitempty"`
	Error      string `json:"error"`
}

// statusFor maps a ledger error to its HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, solvency.ErrOpen), errors.Is(err, errGuardDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInvalidIndex):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoCaller), errors.Is(err, errBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	}

	switch ledger.ClassOf(err) {
	case ledger.ClassAuthorization:
		return http.StatusForbidden
	case ledger.ClassValidation:
		return http.StatusBadRequest
	case ledger.ClassResource:
		return http.StatusConflict
	case ledger.ClassCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

// errorResponse writes a JSON error body
func errorResponse(w http.ResponseWriter, status int, err error) {
	body := apiError{
		StatusCode: status,
		Status:     "error",
		Error:      err.Error(),
	}
	if class := ledger.ClassOf(err); class != ledger.ClassInternal {
		body.Class = class.String()
	}

	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Warn("Request failed")
	} else {
		logrus.WithError(err).Debug("Request rejected")
	}
	writeJSON(w, status, body)
}

// readBody reads at most maxBodyBytes of the request body
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body: %v", errBadRequest, err)
	}
	return body, nil
}

// decode unmarshals a JSON body into v; an empty body leaves v untouched
func decode(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// callerOf identifies the account making the request. With signatures
// required, X-Signature must sign the method, path, X-Signature-Expires,
// X-Nonce and body, recover to the claimed X-Caller and not have been
// accepted before.
func (s *Server) callerOf(r *http.Request, body []byte) (types.Address, error) {
	header := r.Header.Get("X-Caller")
	if header == "" {
		return types.ZeroAddress, errNoCaller
	}
	caller, err := types.ParseAddress(header)
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("%w: %v", errNoCaller, err)
	}
	if !s.config.RequireSignatures {
		return caller, nil
	}

	expires, err := strconv.ParseInt(r.Header.Get("X-Signature-Expires"), 10, 64)
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("%w: X-Signature-Expires: %v", errBadSignature, err)
	}
	req := receipt.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Expires: expires,
		Nonce:   r.Header.Get("X-Nonce"),
	}

	signer, err := req.Recover(r.Header.Get("X-Signature"))
	if err != nil {
		return types.ZeroAddress, fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if signer != caller {
		return types.ZeroAddress, errBadSignature
	}
	if err := s.replay.Accept(req, time.Now()); err != nil {
		return types.ZeroAddress, fmt.Errorf("%w: %v", errBadSignature, err)
	}
	return caller, nil
}

// amountArg is a stake or funding amount, given either in base units or as
// a decimal token amount
type amountArg struct {
	Amount string `json:"amount"`
	Tokens string `json:"tokens"`
}

func (a amountArg) value(decimals uint8) (*uint256.Int, error) {
	var (
		v   *uint256.Int
		err error
	)
	switch {
	case a.Amount != "" && a.Tokens != "":
		return nil, fmt.Errorf("%w: give amount or tokens, not both", ledger.ErrOutOfRange)
	case a.Tokens != "":
		v, err = units.ParseTokens(a.Tokens, decimals)
	default:
		v, err = model.ParseAmount(a.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrOutOfRange, err)
	}
	return v, nil
}

// toFloat converts an amount for use as a metric value
func toFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}
