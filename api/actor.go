package api

import (
	"fmt"
	"net"
	"net/http"

	"github.com/warp/quarry-ledger/audit"
	"github.com/warp/quarry-ledger/ledger"
)

// Actor headers.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Roles.
const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleViewer     = "viewer"
)

// allowed lists the roles that may perform each action.
var allowed = map[ledger.AuditAction]map[string]bool{
	ledger.AuditCreate:          {RoleAdmin: true, RoleAccountant: true},
	ledger.AuditUpdate:          {RoleAdmin: true, RoleAccountant: true},
	ledger.AuditDelete:          {RoleAdmin: true, RoleAccountant: true},
	ledger.AuditRestore:         {RoleAdmin: true, RoleAccountant: true},
	ledger.AuditPermanentDelete: {RoleAdmin: true},
}

// actorFrom builds the audit actor of a request. RealIP has already
// rewritten RemoteAddr when the request came through a proxy.
func actorFrom(r *http.Request) audit.Actor {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return audit.Actor{
		ID:        r.Header.Get(HeaderActorID),
		Role:      r.Header.Get(HeaderActorRole),
		IP:        ip,
		UserAgent: r.UserAgent(),
	}
}

// authorize checks the actor's role for a mutation. A request without an
// actor is rejected outright; a known actor with the wrong role is
// recorded as a blocked attempt.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action ledger.AuditAction, ref ledger.EntityRef) (audit.Actor, bool) {
	actor := actorFrom(r)
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized),
			fmt.Errorf("missing %s header", HeaderActorID))
		return actor, false
	}
	if allowed[action][actor.Role] {
		return actor, true
	}

	reason := fmt.Sprintf("role %q may not %s", actor.Role, action)
	if _, err := h.Engine.RecordBlocked(r.Context(), actor, action, ref, reason); err != nil {
		h.fail(w, r, err)
		return actor, false
	}
	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   http.StatusText(http.StatusForbidden),
		Code:    "forbidden",
		Details: reason,
	})
	return actor, false
}
