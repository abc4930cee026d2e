package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/reports/service"
)

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.Get(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")
	recs, err := h.orders.History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "transitions": recs})
}

func (h *Handler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListReconciliation(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) ListOrderTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")
	txs, err := h.ledger.ListByOrder(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	balance := decimal.Zero
	for _, t := range txs {
		balance = balance.Add(t.Net)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": id, "transactions": txs, "balance": balance.StringFixed(2),
	})
}

func (h *Handler) ListRecipientTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recipient_id")
	status := domain.TransactionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.TxPending, domain.TxCompleted, domain.TxFailed, domain.TxDeadLetter:
	default:
		writeProblem(w, http.StatusBadRequest, "invalid_status", "unknown transaction status "+string(status))
		return
	}
	txs, err := h.ledger.Query(r.Context(), id, status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient_id": id, "transactions": txs})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.ListDeadLetters(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recipient_id")
	batches, err := h.payouts.ListBatches(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient_id": id, "batches": batches})
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.payouts.GetBatch(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	rep, err := h.reports.Earnings(r.Context(), from, to, refresh)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) GetEarningsSeries(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	period := service.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = service.PeriodDay
	}
	reps, err := h.reports.Series(r.Context(), from, to, period)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_period", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "reports": reps})
}

func (h *Handler) GetRecipientEarnings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to time.Time
	var err error
	if s := q.Get("from"); s != "" {
		if from, err = parseTime(s); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_from", err.Error())
			return
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = parseTime(s); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_to", err.Error())
			return
		}
	}
	out, err := h.reports.Recipient(r.Context(), chi.URLParam(r, "recipient_id"), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// period reads from/to; to defaults to now and from to 24h before to.
func (h *Handler) period(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	to := h.now().UTC()
	if s := q.Get("to"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_to", err.Error())
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if s := q.Get("from"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_from", err.Error())
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if !from.Before(to) {
		writeProblem(w, http.StatusBadRequest, "invalid_period", "from must be before to")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// parseTime accepts RFC3339 or a bare date.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	h.lg.Error("http_query_failed", err, nil)
	writeProblem(w, http.StatusInternalServerError, "db_error", err.Error())
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.lg.Debug("http_request", map[string]any{
			"method": r.Method, "path": r.URL.Path, "status": ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(), "request_id": middleware.GetReqID(r.Context()),
		})
	})
}

// writeJSON: отдаёт JSON с нужным статусом
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem: единый формат ошибок (Problem+JSON, упрощённый)
func writeProblem(w http.ResponseWriter, code int, typ, detail string) {
	writeJSON(w, code, map[string]any{
		"type":   typ,
		"title":  http.StatusText(code),
		"status": code,
		"detail": detail,
	})
}

func atoiDefault(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return d
	}
	return n
}
