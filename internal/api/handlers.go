package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"liquidityManager/internal/manager"
	"liquidityManager/internal/model"
	"liquidityManager/internal/token"
)

type errorResponse struct {
	Error     bool      `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Account   string    `json:"account"`
	Positions int       `json:"positions"`
	Pending   int       `json:"pending"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Amounts in requests are human decimals in the token's own units.
type depositRequest struct {
	Owner   string `json:"owner"`
	Amount0 string `json:"amount0"`
	Amount1 string `json:"amount1"`
}

type withdrawRequest struct {
	Owner string `json:"owner"`
}

type guardRequest struct {
	Min0     string     `json:"min0,omitempty"`
	Min1     string     `json:"min1,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type mintRequest struct {
	Caller string `json:"caller"`
	guardRequest
}

type increaseRequest struct {
	Caller  string `json:"caller"`
	Amount0 string `json:"amount0"`
	Amount1 string `json:"amount1"`
	guardRequest
}

// Amounts in responses are base units.
type operationResponse struct {
	PositionID model.PositionID `json:"position_id"`
	Liquidity  string           `json:"liquidity"`
	Amount0    string           `json:"amount0"`
	Amount1    string           `json:"amount1"`
	Deposit    model.Deposit    `json:"deposit"`
	Event      model.Event      `json:"event"`
}

func newOperationResponse(res manager.Result) operationResponse {
	return operationResponse{
		PositionID: res.Deposit.PositionID,
		Liquidity:  model.BigString(res.Liquidity),
		Amount0:    model.BigString(res.Amount0),
		Amount1:    model.BigString(res.Amount1),
		Deposit:    res.Deposit,
		Event:      res.Event,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Account:   s.manager.Account().Hex(),
		Positions: len(s.manager.Positions()),
		Pending:   len(s.manager.PendingAll()),
		Sequence:  s.manager.Sequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.PoolState(r.Context())
	if err != nil {
		s.writeOperationError(w, "pool", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, state)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	dep, err := s.manager.Deposits(id)
	if err != nil {
		s.writeOperationError(w, "deposits", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, dep)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"positions": s.manager.Positions(),
		"pending":   s.manager.PendingAll(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "event source not configured")
		return
	}
	raw := r.URL.Query().Get("position")
	if raw == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "position query parameter is required")
		return
	}
	id, err := model.ParsePositionID(raw)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.events.Events(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, "events", err)
		return
	}
	if records == nil {
		records = []model.EventRecord{}
	}
	s.writeJSONResponse(w, http.StatusOK, records)
}

func (s *Server) handleGetUnallocated(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(mux.Vars(r)["owner"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	a0, a1 := s.manager.Unallocated(owner)
	s.writeJSONResponse(w, http.StatusOK, model.Unallocated{Owner: owner, Amount0: a0.String(), Amount1: a1.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	amount0, amount1, err := s.amounts(req.Amount0, req.Amount1)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	credit, err := s.manager.Deposit(r.Context(), owner, amount0, amount1)
	if err != nil {
		s.writeOperationError(w, "deposit", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, credit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	withdrawn, err := s.manager.WithdrawUnallocated(r.Context(), owner)
	if err != nil {
		s.writeOperationError(w, "withdraw", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, withdrawn)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := s.options(req.guardRequest)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.manager.MintNewPosition(r.Context(), caller, opts...)
	if err != nil {
		s.writeOperationError(w, "mint", err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, newOperationResponse(res))
}

func (s *Server) handleIncrease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	var req increaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	amount0, amount1, err := s.amounts(req.Amount0, req.Amount1)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := s.options(req.guardRequest)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.manager.IncreaseLiquidityCurrentRange(r.Context(), caller, id, amount0, amount1, opts...)
	if err != nil {
		s.writeOperationError(w, "increase", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, newOperationResponse(res))
}

func (s *Server) handleDecrease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	var req guardRequest
	if !s.decode(w, r, &req) {
		return
	}
	opts, err := s.options(req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.manager.DecreaseLiquidityInHalf(r.Context(), id, opts...)
	if err != nil {
		s.writeOperationError(w, "decrease", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, newOperationResponse(res))
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	res, err := s.manager.CollectPending(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, "collect", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, newOperationResponse(res))
}

func (s *Server) positionID(w http.ResponseWriter, r *http.Request) (model.PositionID, bool) {
	id, err := model.ParsePositionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

// decode reads an optional JSON body into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) amounts(raw0, raw1 string) (*big.Int, *big.Int, error) {
	cfg := s.manager.Config()
	amount0, err := parseAmount(raw0, cfg.Token0)
	if err != nil {
		return nil, nil, err
	}
	amount1, err := parseAmount(raw1, cfg.Token1)
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

func (s *Server) options(req guardRequest) ([]manager.Option, error) {
	var opts []manager.Option
	if req.Min0 != "" || req.Min1 != "" {
		min0, min1, err := s.amounts(req.Min0, req.Min1)
		if err != nil {
			return nil, err
		}
		opts = append(opts, manager.WithMinimums(min0, min1))
	}
	if req.Deadline != nil {
		opts = append(opts, manager.WithDeadline(*req.Deadline))
	}
	return opts, nil
}

func parseAmount(raw string, meta model.TokenMeta) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, err := token.ParseUnits(raw, meta.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", meta.Symbol, err)
	}
	return amount, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
