package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/pnl"
	"PositionLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
)

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type endpointFunc func(r *http.Request, params map[string]string) (int, interface{})

func registerRoutes(gw *runtime.ServeMux, q *query.Service, m *observability.Metrics) error {
	if q == nil {
		return fmt.Errorf("server: query service is required")
	}
	routes := []struct {
		method, pattern, name string
		fn                    endpointFunc
	}{
		{http.MethodGet, "/v1/positions", "positions", positionsHandler(q)},
		{http.MethodGet, "/v1/positions/{id}/pnl", "pnl", pnlHandler(q)},
		{http.MethodGet, "/v1/open-interest", "open_interest_list", openInterestListHandler(q)},
		{http.MethodGet, "/v1/open-interest/{asset}", "open_interest", openInterestHandler(q)},
		{http.MethodGet, "/v1/status", "status", statusHandler(q)},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, instrument(rt.name, m, rt.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// instrument writes the endpoint's response and records query metrics.
func instrument(name string, m *observability.Metrics, fn endpointFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code, body := fn(r, params)
		respondJSON(w, code, body)

		if m == nil {
			return
		}
		m.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
		m.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if e, ok := body.(apiError); ok {
			m.QueryErrors.WithLabelValues(name, e.Code).Inc()
		}
	}
}

func positionsHandler(q *query.Service) endpointFunc {
	return func(r *http.Request, _ map[string]string) (int, interface{}) {
		v := r.URL.Query()
		return http.StatusOK, q.GetOpenPositions(v.Get("trader"), v.Get("asset"))
	}
}

func openInterestListHandler(q *query.Service) endpointFunc {
	return func(*http.Request, map[string]string) (int, interface{}) {
		return http.StatusOK, q.ListOpenInterest()
	}
}

func openInterestHandler(q *query.Service) endpointFunc {
	return func(_ *http.Request, params map[string]string) (int, interface{}) {
		return http.StatusOK, q.GetAggregateOpenInterest(params["asset"])
	}
}

func statusHandler(q *query.Service) endpointFunc {
	return func(*http.Request, map[string]string) (int, interface{}) {
		return http.StatusOK, q.Status()
	}
}

func pnlHandler(q *query.Service) endpointFunc {
	return func(r *http.Request, params map[string]string) (int, interface{}) {
		id, err := strconv.ParseUint(params["id"], 10, 64)
		if err != nil {
			return http.StatusBadRequest, apiError{Code: "invalid_argument", Message: "id must be an unsigned integer"}
		}

		var mark *decimal.Decimal
		if raw := r.URL.Query().Get("mark"); raw != "" {
			d, err := decimal.NewFromString(raw)
			if err != nil || !d.IsPositive() {
				return http.StatusBadRequest, apiError{Code: "invalid_argument", Message: "mark must be a positive decimal"}
			}
			mark = &d
		}

		resp, err := q.ComputePnL(r.Context(), id, mark)
		if err != nil {
			return errorStatus(err)
		}
		return http.StatusOK, resp
	}
}

func errorStatus(err error) (int, apiError) {
	switch {
	case errors.Is(err, ledger.ErrUnknownPosition):
		return http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()}
	case errors.Is(err, query.ErrNotOpen):
		return http.StatusConflict, apiError{Code: "not_open", Message: err.Error()}
	case errors.Is(err, pnl.ErrNoMarkPrice):
		return http.StatusServiceUnavailable, apiError{Code: "no_mark_price", Message: err.Error()}
	case errors.Is(err, pnl.ErrZeroEntryPrice):
		return http.StatusUnprocessableEntity, apiError{Code: "zero_entry_price", Message: err.Error()}
	default:
		return http.StatusInternalServerError, apiError{Code: "internal", Message: err.Error()}
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
