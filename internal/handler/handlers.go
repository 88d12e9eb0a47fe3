package handler

import (
	"errors"
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tickstore/internal/svc"
	"tickstore/pkg/timeseries"
)

type LatestRequest struct {
	Table      string `form:"table"`
	Market     string `form:"market"`
	Instrument string `form:"instrument"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HealthHandler reports the storage health. Failed probes answer 503 with the partial
// report so operators still see what was collected.
func HealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svcCtx.Market.Health(r.Context())
		switch {
		case err == nil:
			httpx.OkJsonCtx(r.Context(), w, report)
		case report != nil:
			httpx.WriteJsonCtx(r.Context(), w, http.StatusServiceUnavailable, report)
		default:
			writeError(w, r, err)
		}
	}
}

// LatestHandler returns the newest stored payload for a symbol as raw JSON.
func LatestHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LatestRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.WriteJsonCtx(r.Context(), w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		payload, err := svcCtx.Market.Latest(r.Context(), req.Table, req.Market, req.Instrument)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteJsonCtx(r.Context(), w, statusOf(err), errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, timeseries.ErrNoRows), errors.Is(err, timeseries.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, timeseries.ErrInvalidQuery), errors.Is(err, timeseries.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, timeseries.ErrNotInitialized), errors.Is(err, timeseries.ErrClosed), timeseries.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
