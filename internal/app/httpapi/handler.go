// Package httpapi exposes the vault ledger over a small REST surface. The
// transport owns authentication, rate limiting and time parsing; ledger
// rules live in the services underneath.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/defiledger/vault_layer/internal/app"
	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	"github.com/defiledger/vault_layer/internal/app/metrics"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/vaults", h.vaults)
	mux.HandleFunc("/vaults/", h.vaultResources)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func (h *handler) vaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Authority    string `json:"authority"`
			Variant      string `json:"variant"`
			YieldRateBps uint32 `json:"yield_rate_bps"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		v, err := h.app.Vaults.CreateVault(r.Context(), payload.Authority, vault.Variant(payload.Variant), payload.YieldRateBps)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, vaultResponse(v))

	case http.MethodGet:
		vaults, err := h.app.Vaults.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		result := make([]map[string]any, 0, len(vaults))
		for _, v := range vaults {
			result = append(result, vaultResponse(v))
		}
		writeJSON(w, http.StatusOK, result)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) vaultResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/vaults"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	vaultID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v, err := h.app.Vaults.Get(r.Context(), vaultID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, vaultResponse(v))
		return
	}

	resource := parts[1]
	switch resource {
	case "deposits":
		h.vaultDeposits(w, r, vaultID, parts[2:])
	case "withdrawals":
		h.vaultWithdrawals(w, r, vaultID)
	case "claims":
		h.vaultClaims(w, r, vaultID)
	case "pause":
		h.vaultPause(w, r, vaultID, true)
	case "resume":
		h.vaultPause(w, r, vaultID, false)
	case "sweep":
		h.vaultSweep(w, r, vaultID)
	case "strategies":
		h.vaultStrategies(w, r, vaultID, parts[2:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) vaultDeposits(w http.ResponseWriter, r *http.Request, vaultID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Owner  string `json:"owner"`
				Amount uint64 `json:"amount"`
				Now    string `json:"now,omitempty"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			now, err := parseNow(payload.Now)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			dep, v, err := h.app.Vaults.Deposit(r.Context(), vaultID, payload.Owner, payload.Amount, now)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"deposit": depositResponse(dep),
				"vault":   vaultResponse(v),
			})

		case http.MethodGet:
			deposits, err := h.app.Vaults.ListDeposits(r.Context(), vaultID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			result := make([]map[string]any, 0, len(deposits))
			for _, dep := range deposits {
				result = append(result, depositResponse(dep))
			}
			writeJSON(w, http.StatusOK, result)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(rest) != 1 || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	dep, err := h.app.Vaults.GetDeposit(r.Context(), vaultID, rest[0])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse(dep))
}

func (h *handler) vaultWithdrawals(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Owner  string `json:"owner"`
		Amount uint64 `json:"amount"`
		Now    string `json:"now,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(payload.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dep, v, err := h.app.Vaults.Withdraw(r.Context(), vaultID, payload.Owner, payload.Amount, now)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deposit": depositResponse(dep),
		"vault":   vaultResponse(v),
	})
}

func (h *handler) vaultClaims(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Owner string `json:"owner"`
		Now   string `json:"now,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(payload.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	paid, err := h.app.Vaults.ClaimYield(r.Context(), vaultID, payload.Owner, now)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner": payload.Owner,
		"paid":  paid,
	})
}

func (h *handler) vaultPause(w http.ResponseWriter, r *http.Request, vaultID string, pause bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Caller string `json:"caller"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		v   vault.Vault
		err error
	)
	if pause {
		v, err = h.app.Vaults.Pause(r.Context(), vaultID, payload.Caller)
	} else {
		v, err = h.app.Vaults.Resume(r.Context(), vaultID, payload.Caller)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, vaultResponse(v))
}

func (h *handler) vaultSweep(w http.ResponseWriter, r *http.Request, vaultID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Caller      string `json:"caller"`
		Destination string `json:"destination"`
		Now         string `json:"now,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(payload.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sweep, err := h.app.Vaults.EmergencyWithdraw(r.Context(), vaultID, payload.Caller, payload.Destination, now)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id":    sweep.VaultID,
		"destination": sweep.Destination,
		"amount":      sweep.Amount,
		"swept_at":    sweep.SweptAt.Format(time.RFC3339),
	})
}

func (h *handler) vaultStrategies(w http.ResponseWriter, r *http.Request, vaultID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Owner           string               `json:"owner"`
				Name            string               `json:"name"`
				BaseToken       string               `json:"base_token"`
				QuoteToken      string               `json:"quote_token"`
				PositionSizeBps uint32               `json:"position_size_bps"`
				YieldTargetBps  uint32               `json:"yield_target_bps"`
				EntryConditions []strategy.Condition `json:"entry_conditions"`
				ExitConditions  []strategy.Condition `json:"exit_conditions"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			st, err := h.app.Strategies.Create(r.Context(), vaultID, payload.Owner, strategy.Config{
				Name:            payload.Name,
				BaseToken:       payload.BaseToken,
				QuoteToken:      payload.QuoteToken,
				PositionSizeBps: payload.PositionSizeBps,
				YieldTargetBps:  payload.YieldTargetBps,
				EntryConditions: payload.EntryConditions,
				ExitConditions:  payload.ExitConditions,
			})
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, strategyResponse(st))

		case http.MethodGet:
			strategies, err := h.app.Strategies.List(r.Context(), vaultID, r.URL.Query().Get("owner"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			result := make([]map[string]any, 0, len(strategies))
			for _, st := range strategies {
				result = append(result, strategyResponse(st))
			}
			writeJSON(w, http.StatusOK, result)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(rest) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	owner, name := rest[0], rest[1]

	if len(rest) == 2 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		st, err := h.app.Strategies.Get(r.Context(), vaultID, owner, name)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, strategyResponse(st))
		return
	}

	if len(rest) != 3 || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch rest[2] {
	case "execute":
		var payload struct {
			Caller      string `json:"caller"`
			PnlDeltaBps int64  `json:"pnl_delta_bps"`
			Now         string `json:"now,omitempty"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		now, err := parseNow(payload.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		exec, err := h.app.Strategies.Execute(r.Context(), vaultID, owner, name, payload.Caller, now, payload.PnlDeltaBps)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"strategy_id":   exec.StrategyID,
			"pnl_delta_bps": exec.PnlDeltaBps,
			"total_pnl_bps": exec.TotalPnlBps,
			"executions":    exec.Sequence,
			"executed_at":   exec.ExecutedAt.Format(time.RFC3339),
		})

	case "close":
		var payload struct {
			Caller string `json:"caller"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		st, err := h.app.Strategies.Close(r.Context(), vaultID, owner, name, payload.Caller)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, strategyResponse(st))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Response shaping ------------------------------------------------------------

func vaultResponse(v vault.Vault) map[string]any {
	resp := map[string]any{
		"id":             v.ID,
		"authority":      v.Authority,
		"variant":        string(v.Variant),
		"total_deposits": v.TotalDeposits,
		"total_users":    v.TotalUsers,
		"paused":         v.Paused,
		"yield_rate_bps": v.YieldRateBps,
		"created_at":     v.CreatedAt.Format(time.RFC3339),
		"updated_at":     v.UpdatedAt.Format(time.RFC3339),
	}
	if v.SupportsStrategies() {
		resp["active_strategies"] = v.ActiveStrategies
		if !v.LastYieldCalculation.IsZero() {
			resp["last_yield_calculation"] = v.LastYieldCalculation.Format(time.RFC3339)
		}
	}
	return resp
}

func depositResponse(dep vault.Deposit) map[string]any {
	return map[string]any{
		"vault_id":     dep.VaultID,
		"owner":        dep.Owner,
		"amount":       dep.Amount,
		"yield_earned": dep.YieldEarned,
		"active":       dep.Active(),
	}
}

func strategyResponse(st strategy.Strategy) map[string]any {
	resp := map[string]any{
		"id":                st.ID,
		"vault_id":          st.VaultID,
		"owner":             st.Owner,
		"name":              st.Name,
		"base_token":        st.BaseToken,
		"quote_token":       st.QuoteToken,
		"position_size_bps": st.PositionSizeBps,
		"yield_target_bps":  st.YieldTargetBps,
		"entry_conditions":  st.EntryConditions,
		"exit_conditions":   st.ExitConditions,
		"active":            st.Active,
		"total_pnl_bps":     st.TotalPnlBps,
		"executions":        st.Executions,
	}
	if !st.LastExecution.IsZero() {
		resp["last_execution"] = st.LastExecution.Format(time.RFC3339)
	}
	return resp
}

// Helpers ---------------------------------------------------------------------

func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrVaultPaused),
		errors.Is(err, vault.ErrDuplicateStrategy),
		errors.Is(err, vault.ErrStrategyInactive),
		errors.Is(err, vault.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInvariantViolation):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func parseNow(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("now must be an RFC3339 timestamp")
	}
	return parsed.UTC(), nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
