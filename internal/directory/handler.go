// Package directory exposes the admission-control operations over a single
// action-dispatched endpoint. The handler is stateless; every decision is
// made against the session record store through the admission controller.
package directory

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jsvanda/onesession/internal/admission"
	"github.com/jsvanda/onesession/internal/store"
)

const (
	ActionCheckLogin          = "check_login"
	ActionCreateSession       = "create_session"
	ActionTerminateSession    = "terminate_session"
	ActionForceLogoutCategory = "force_logout_category"
	ActionGetActiveSessions   = "get_active_sessions"
	ActionHeartbeat           = "heartbeat"
)

type sessionData struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	UserName string `json:"userName"`
	Token    string `json:"token"`
}

type sessionRequest struct {
	Action       string       `json:"action"`
	SessionData  *sessionData `json:"sessionData"`
	SessionID    string       `json:"sessionId"`
	UserCategory string       `json:"userCategory"`
	UserID       string       `json:"userId"`
}

// sessionView is the wire shape of a session record. Provenance metadata is
// deliberately absent from list responses; only the conflict occupant view
// carries enough to render an "already logged in" prompt.
type sessionView struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	UserType     string `json:"userType"`
	UserCategory string `json:"userCategory"`
	UserName     string `json:"userName"`
	LoginTime    string `json:"loginTime"`
	LastActivity string `json:"lastActivity"`
	ExpiresAt    string `json:"expiresAt"`
}

func viewOf(rec *store.SessionRecord) *sessionView {
	if rec == nil {
		return nil
	}
	return &sessionView{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		UserType:     rec.UserType,
		UserCategory: rec.UserCategory,
		UserName:     rec.UserName,
		LoginTime:    rec.LoginTime.UTC().Format(time.RFC3339),
		LastActivity: rec.LastActivity.UTC().Format(time.RFC3339),
		ExpiresAt:    rec.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

type Handler struct {
	ctrl    *admission.Controller
	limiter *AttemptLimiter
	tokens  *TokenVerifier
}

// New builds the handler. limiter and tokens may be nil, which disables
// attempt throttling and the upstream-token gate respectively.
func New(ctrl *admission.Controller, limiter *AttemptLimiter, tokens *TokenVerifier) *Handler {
	return &Handler{ctrl: ctrl, limiter: limiter, tokens: tokens}
}

func (h *Handler) Register(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/session", h.HandleSession, mw...)
}

// HandleSession dispatches the admission-control actions.
func (h *Handler) HandleSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	switch strings.TrimSpace(req.Action) {
	case ActionCheckLogin:
		return h.checkLogin(c, req)
	case ActionCreateSession:
		return h.createSession(c, req)
	case ActionTerminateSession:
		return h.terminateSession(c, req)
	case ActionForceLogoutCategory:
		return h.forceLogoutCategory(c, req)
	case ActionGetActiveSessions:
		return h.getActiveSessions(c)
	case ActionHeartbeat:
		return h.heartbeat(c, req)
	default:
		return badRequest(c, "Invalid action")
	}
}

func (h *Handler) checkLogin(c echo.Context, req sessionRequest) error {
	category, err := store.NormalizeCategory(req.UserCategory)
	if err != nil {
		return badRequest(c, "userCategory and userId are required")
	}
	ip := requestIP(c)

	if h.limiter != nil {
		blocked, err := h.limiter.TooMany(c.Request().Context(), category, ip)
		if err != nil {
			log.Printf("directory.limiter.read_failed category=%s ip=%s err=%v", category, ip, err)
		} else if blocked {
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"success": false,
				"message": "Too many login attempts, try again later",
			})
		}
	}

	decision, err := h.ctrl.Evaluate(c.Request().Context(), category, req.UserID)
	if errors.Is(err, admission.ErrUserRequired) {
		return badRequest(c, "userCategory and userId are required")
	}
	if err != nil {
		return storeFault(c, "Could not check login", err)
	}

	if h.limiter != nil && decision.Verdict == admission.VerdictDenyOccupied {
		if err := h.limiter.NoteDenied(c.Request().Context(), category, ip); err != nil {
			log.Printf("directory.limiter.write_failed category=%s ip=%s err=%v", category, ip, err)
		}
	}

	data := map[string]any{
		"allowed": decision.Allowed(),
		"verdict": decision.Verdict,
	}
	if decision.Verdict == admission.VerdictDenyOccupied {
		data["occupant"] = viewOf(decision.Occupant)
	}
	return ok(c, data)
}

func (h *Handler) createSession(c echo.Context, req sessionRequest) error {
	if req.SessionData == nil {
		return badRequest(c, "sessionData is required")
	}

	if h.tokens != nil {
		if err := h.tokens.Verify(req.SessionData.Token, req.SessionData.UserID); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]any{
				"success": false,
				"message": "Upstream authentication token rejected",
			})
		}
	}

	rec, err := h.ctrl.Admit(c.Request().Context(), admission.NewSession{
		UserID:    req.SessionData.UserID,
		UserType:  req.SessionData.UserType,
		UserName:  req.SessionData.UserName,
		IPAddress: requestIP(c),
		UserAgent: c.Request().UserAgent(),
	})
	if errors.Is(err, store.ErrCategoryInvalid) || errors.Is(err, admission.ErrUserRequired) {
		return badRequest(c, "sessionData.userId and a known userType are required")
	}
	if err != nil {
		return storeFault(c, "Could not create session", err)
	}

	if h.limiter != nil {
		if err := h.limiter.Reset(c.Request().Context(), rec.UserCategory, requestIP(c)); err != nil {
			log.Printf("directory.limiter.reset_failed category=%s err=%v", rec.UserCategory, err)
		}
	}

	log.Printf("directory.session.created session_id=%s user_id=%s category=%s", rec.SessionID, rec.UserID, rec.UserCategory)
	return ok(c, map[string]any{"session": viewOf(rec)})
}

func (h *Handler) terminateSession(c echo.Context, req sessionRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return badRequest(c, "sessionId is required")
	}

	changed, err := h.ctrl.Logout(c.Request().Context(), req.SessionID)
	if err != nil {
		return storeFault(c, "Could not terminate session", err)
	}
	return ok(c, map[string]any{"changed": changed})
}

func (h *Handler) forceLogoutCategory(c echo.Context, req sessionRequest) error {
	count, err := h.ctrl.Takeover(c.Request().Context(), req.UserCategory)
	if errors.Is(err, store.ErrCategoryInvalid) {
		return badRequest(c, "userCategory is required")
	}
	if err != nil {
		return storeFault(c, "Could not force logout", err)
	}

	log.Printf("directory.session.force_logout category=%s terminated=%d", req.UserCategory, count)
	return ok(c, map[string]any{"terminatedCount": count})
}

func (h *Handler) getActiveSessions(c echo.Context) error {
	records, counts, err := h.ctrl.ActiveSessions(c.Request().Context())
	if err != nil {
		return storeFault(c, "Could not list sessions", err)
	}

	views := make([]*sessionView, 0, len(records))
	for i := range records {
		views = append(views, viewOf(&records[i]))
	}
	return ok(c, map[string]any{
		"sessions":         views,
		"countsByCategory": counts,
	})
}

func (h *Handler) heartbeat(c echo.Context, req sessionRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return badRequest(c, "sessionId is required")
	}

	rec, err := h.ctrl.Heartbeat(c.Request().Context(), req.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrSessionInactive) {
		// Distinguishable from a transport failure: the server answered and
		// the session is gone, so the client must drop its cached entry.
		return ok(c, map[string]any{"active": false})
	}
	if err != nil {
		return storeFault(c, "Could not record heartbeat", err)
	}
	return ok(c, map[string]any{"active": true, "session": viewOf(rec)})
}

func ok(c echo.Context, data map[string]any) error {
	return c.JSON(http.StatusOK, map[string]any{"success": true, "data": data})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": message})
}

func storeFault(c echo.Context, message string, err error) error {
	log.Printf("directory.store.fault message=%q err=%v", message, err)
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

func requestIP(c echo.Context) string {
	if ip := strings.TrimSpace(c.RealIP()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(c.Request().RemoteAddr))
	if err == nil {
		return strings.TrimSpace(host)
	}
	return strings.TrimSpace(c.Request().RemoteAddr)
}
