// Package approvalweb serves the web-approval endpoint spec.md §4.5
// step 4 points auth_url at: a human approver loads the pending request
// and posts back an allow/deny decision.
package approvalweb

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ardents-control-plane/signing-bunker/internal/ledger"
)

// Resolver is the narrow interface the handler borrows from
// authz.Engine, so this package never imports aclstore/ledger/authz's
// full surface.
type Resolver interface {
	ResolveWebApproval(rowID string, allow bool, description string) error
}

// Handler serves GET/POST /requests/{id}.
type Handler struct {
	resolver Resolver
	logger   *slog.Logger
}

func New(resolver Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{resolver: resolver, logger: logger}
}

// Mux returns a ServeMux with the /requests/{id} route registered, ready
// to be served directly or mounted into a larger mux.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /requests/{id}", h.serveForm)
	mux.HandleFunc("POST /requests/{id}", h.serveDecision)
	return mux
}

func (h *Handler) serveForm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<title>pending request %s</title>
<form method="post" action="/requests/%s">
<label>description <input name="description"></label>
<button name="decision" value="allow" type="submit">allow</button>
<button name="decision" value="deny" type="submit">deny</button>
</form>`, id, id)
}

func (h *Handler) serveDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	allow := r.FormValue("decision") == "allow"
	description := r.FormValue("description")

	err := h.resolver.ResolveWebApproval(id, allow, description)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "recorded.")
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, "no such pending request", http.StatusNotFound)
	case errors.Is(err, ledger.ErrAlreadySettled):
		http.Error(w, "already resolved", http.StatusConflict)
	default:
		h.logger.Error("approvalweb: resolving decision failed", "row_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
