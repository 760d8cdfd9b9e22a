package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"keyauth-service/internal/devicetrust"
	"keyauth-service/internal/events"
	"keyauth-service/internal/guard"
	"keyauth-service/internal/identity"
	"keyauth-service/internal/keyderiv"
	"keyauth-service/internal/models"
	redisrepo "keyauth-service/internal/repository/redis"
	"keyauth-service/internal/util"
)

const (
	sessionCookieName = "keyauth_session"
	sessionTTL        = 24 * time.Hour
)

type sessionContextKey struct{}

// LastLoginRecorder persists the timestamp of a successful
// authentication.
type LastLoginRecorder interface {
	TouchLastLogin(ctx context.Context, record *models.Identity) error
}

// SessionStore is the login-session persistence the handler consumes.
type SessionStore interface {
	CreateSessionForIdentity(ctx context.Context, record *models.Identity, deviceName, ip string, ttl time.Duration) (*redisrepo.Session, error)
	GetSession(ctx context.Context, sessionID string) (*redisrepo.Session, error)
	InvalidateSession(ctx context.Context, sessionID string) error
	InvalidateAllUserSessions(ctx context.Context, identityID string) error
}

// LoginThrottle rate-limits authentication attempts per identifier and
// per source address.
type LoginThrottle interface {
	Allow(ctx context.Context, identifier string) bool
	AllowIP(ctx context.Context, ip string) bool
	Reset(ctx context.Context, identifier string) error
}

// AuthHandler exposes the challenge-response authentication flows over
// HTTP. Each request gets its own KeyGuard so authentication state never
// crosses requests.
type AuthHandler struct {
	newGuard   func() *guard.KeyGuard
	identities *identity.Manager
	trust      *devicetrust.Manager
	sessions   SessionStore
	limiter    LoginThrottle
	audit      *events.AuditRecorder
	lastLogin  LastLoginRecorder
	secure     bool
	logger     *zap.Logger
}

func NewAuthHandler(
	newGuard func() *guard.KeyGuard,
	identities *identity.Manager,
	trust *devicetrust.Manager,
	sessions SessionStore,
	limiter LoginThrottle,
	audit *events.AuditRecorder,
	lastLogin LastLoginRecorder,
	secure bool,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		newGuard:   newGuard,
		identities: identities,
		trust:      trust,
		sessions:   sessions,
		limiter:    limiter,
		audit:      audit,
		lastLogin:  lastLogin,
		secure:     secure,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(message string) Response {
	return Response{
		Success: false,
		Error:   message,
	}
}

// RegisterRoutes registers all authentication routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/challenge", h.Challenge)
		r.Post("/login", h.Login)
		r.Post("/login/signature", h.LoginWithSignature)

		// Session-protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Post("/recover", h.Recover)
			r.Post("/logout", h.Logout)
			r.Post("/trust", h.TrustDevice)
			r.Get("/trusted", h.IsTrustedDevice)
			r.Get("/events", h.RecentEvents)
		})
	})
}

type registerRequest struct {
	Email      string   `json:"email"`
	Passphrase string   `json:"passphrase"`
	PromptIDs  []string `json:"prompt_ids,omitempty"`
}

// Register creates a new identity from email and passphrase. The server
// stores only the derived public key; the passphrase never persists.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Passphrase == "" {
		h.respondWithError(w, http.StatusBadRequest, "Email and passphrase are required")
		return
	}
	if util.ContainsSuspicious(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, "Invalid email")
		return
	}

	record, err := h.identities.Register(r.Context(), req.Email, req.Passphrase, sanitizePromptIDs(req.PromptIDs))
	if err != nil {
		var validation *identity.ValidationError
		switch {
		case errors.As(err, &validation):
			h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{
				Success: false,
				Error:   "passphrase too weak",
				Data:    map[string]interface{}{"reasons": validation.Reasons},
			})
		case errors.Is(err, identity.ErrIdentityExists):
			h.respondWithError(w, http.StatusConflict, "Identity already exists")
		default:
			h.logger.Error("Registration failed", util.ErrorField(err))
			h.respondWithError(w, http.StatusInternalServerError, "Failed to register identity")
		}
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"identity_id": record.IdentityID,
		"public_key":  record.PublicKey,
	}, "Identity registered"))

	h.logger.Info("Identity registered via HTTP",
		util.String("identity_id", record.IdentityID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type challengeRequest struct {
	Email string `json:"email"`
}

// Challenge issues a signed nonce for the signature login flow. A nonce
// is issued whether or not the identifier exists, so the endpoint leaks
// nothing about registered accounts.
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || util.ContainsSuspicious(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, "Email is required")
		return
	}

	nonce, err := h.newGuard().Challenge(req.Email)
	if err != nil {
		h.logger.Error("Failed to issue challenge", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to issue challenge")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"nonce": nonce,
	}, "Challenge issued"))
}

type loginRequest struct {
	Email      string `json:"email"`
	Passphrase string `json:"passphrase"`
}

// Login authenticates with email and passphrase.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !h.allowAttempt(r, req.Email) {
		h.respondWithError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	g := h.newGuard()
	if !g.Attempt(r.Context(), guard.Credentials{Email: req.Email, Passphrase: req.Passphrase}) {
		h.respondWithError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.establishSession(w, r, g.User(), req.Email)
}

type signatureLoginRequest struct {
	Email     string `json:"email"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// LoginWithSignature authenticates with a detached Ed25519 signature over
// a previously issued challenge. The passphrase never crosses the wire.
func (h *AuthHandler) LoginWithSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !h.allowAttempt(r, req.Email) {
		h.respondWithError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	g := h.newGuard()
	if !g.AuthenticateWithSignature(r.Context(), req.Email, req.Signature, req.Nonce) {
		h.respondWithError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.establishSession(w, r, g.User(), req.Email)
}

type recoverRequest struct {
	Passphrase string   `json:"passphrase"`
	PromptIDs  []string `json:"prompt_ids,omitempty"`
}

// Recover rebinds the authenticated account to the keypair derived from a
// new passphrase. The old key stops working the moment this returns, and
// so does every live session, this one included. The account is taken
// from the session, never from the request body, so a caller can only
// rotate the identity they proved control of.
func (h *AuthHandler) Recover(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Passphrase == "" {
		h.respondWithError(w, http.StatusBadRequest, "Passphrase is required")
		return
	}

	record, err := h.identities.Recover(r.Context(), session.Email, req.Passphrase, sanitizePromptIDs(req.PromptIDs))
	if err != nil {
		var validation *identity.ValidationError
		switch {
		case errors.As(err, &validation):
			h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{
				Success: false,
				Error:   "passphrase too weak",
				Data:    map[string]interface{}{"reasons": validation.Reasons},
			})
		case errors.Is(err, identity.ErrIdentityNotFound):
			h.respondWithError(w, http.StatusNotFound, "Identity not found")
		default:
			h.logger.Error("Recovery failed", util.ErrorField(err))
			h.respondWithError(w, http.StatusInternalServerError, "Failed to recover identity")
		}
		return
	}

	// Recovery rotates the key, so every live session is stale
	if err := h.sessions.InvalidateAllUserSessions(r.Context(), record.IdentityID); err != nil {
		h.logger.Warn("Failed to invalidate sessions after recovery", util.ErrorField(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identity_id": record.IdentityID,
		"public_key":  record.PublicKey,
	}, "Identity recovered"))
}

// Logout tears down the current session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	if err := h.sessions.InvalidateSession(r.Context(), session.SessionID); err != nil {
		h.logger.Warn("Failed to invalidate session", util.ErrorField(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// TrustDevice marks the requesting device as the account's single trusted
// device. Every other session and trust token dies with it, including the
// session that made this request on another device.
func (h *AuthHandler) TrustDevice(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	record := &models.Identity{IdentityID: session.IdentityID, Email: session.Email}

	grant, err := h.trust.Trust(r.Context(), record, r.UserAgent(), clientIP(r))
	if err != nil {
		h.logger.Error("Failed to trust device", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to trust device")
		return
	}

	// Trusting revoked this session too; issue a fresh one for the
	// now-trusted device.
	fresh, err := h.sessions.CreateSessionForIdentity(r.Context(), record, grant.DeviceName, clientIP(r), sessionTTL)
	if err != nil {
		h.logger.Error("Failed to re-establish session", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to trust device")
		return
	}

	http.SetCookie(w, grant.Cookie)
	http.SetCookie(w, h.sessionCookie(fresh.SessionID))

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"device_name": grant.DeviceName,
	}, "Device trusted"))
}

// IsTrustedDevice reports whether the requesting device holds a live
// trust token for the authenticated identity.
func (h *AuthHandler) IsTrustedDevice(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	trusted := false
	if cookie, err := r.Cookie(h.trust.CookieName()); err == nil {
		record := &models.Identity{IdentityID: session.IdentityID, Email: session.Email}
		trusted = h.trust.IsTrusted(r.Context(), record, cookie.Value, clientIP(r))
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"trusted": trusted,
	}, "Trust status"))
}

// RecentEvents returns the newest audit entries for the authenticated
// identity.
func (h *AuthHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > 100 {
			h.respondWithError(w, http.StatusBadRequest, "Limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	recent, err := h.audit.RecentEvents(session.IdentityID, limit)
	if err != nil {
		h.logger.Error("Failed to fetch security events", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to fetch security events")
		return
	}

	// Best-effort: the feed is still useful without the counter
	failed, err := h.audit.FailedAttemptsSince(r.Context(), session.IdentityID, time.Now().Add(-24*time.Hour))
	if err != nil {
		h.logger.Warn("Failed to count failed attempts", util.ErrorField(err))
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"events":              recent,
		"failed_attempts_24h": failed,
	}, "Security events"))
}

// RequireSession loads the session from the cookie and rejects the
// request when it is missing or expired.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			h.respondWithError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		session, err := h.sessions.GetSession(r.Context(), cookie.Value)
		if err != nil {
			h.logger.Error("Session lookup failed", util.ErrorField(err))
			h.respondWithError(w, http.StatusInternalServerError, "Session lookup failed")
			return
		}
		if session == nil {
			h.respondWithError(w, http.StatusUnauthorized, "Session expired")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) *redisrepo.Session {
	session, _ := ctx.Value(sessionContextKey{}).(*redisrepo.Session)
	return session
}

// establishSession creates a login session and sets its cookie. The
// identifier is the throttle key the attempt was counted under.
func (h *AuthHandler) establishSession(w http.ResponseWriter, r *http.Request, record *models.Identity, identifier string) {
	if h.limiter != nil {
		if err := h.limiter.Reset(r.Context(), keyderiv.NormalizeEmail(identifier)); err != nil {
			h.logger.Warn("Failed to reset login attempts", util.ErrorField(err))
		}
	}
	if h.lastLogin != nil {
		if err := h.lastLogin.TouchLastLogin(r.Context(), record); err != nil {
			h.logger.Warn("Failed to record last login", util.ErrorField(err))
		}
	}

	deviceName := devicetrust.DeviceNameFromUserAgent(r.UserAgent())

	session, err := h.sessions.CreateSessionForIdentity(r.Context(), record, deviceName, clientIP(r), sessionTTL)
	if err != nil {
		h.logger.Error("Failed to create session", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	http.SetCookie(w, h.sessionCookie(session.SessionID))

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"identity_id": record.IdentityID,
	}, "Authenticated"))
}

func (h *AuthHandler) sessionCookie(sessionID string) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// allowAttempt consults both the per-identifier and per-IP throttles.
// The identifier is normalized first so case or whitespace mutations of
// one email cannot each open a fresh window.
func (h *AuthHandler) allowAttempt(r *http.Request, identifier string) bool {
	if h.limiter == nil {
		return true
	}
	ctx := r.Context()
	return h.limiter.Allow(ctx, keyderiv.NormalizeEmail(identifier)) && h.limiter.AllowIP(ctx, clientIP(r))
}

// sanitizePromptIDs cleans the client-chosen prompt identifiers before
// they are persisted alongside the public key.
func sanitizePromptIDs(promptIDs []string) []string {
	if len(promptIDs) == 0 {
		return nil
	}
	cleaned := make([]string, 0, len(promptIDs))
	for _, id := range promptIDs {
		if id = util.SanitizeInput(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	return cleaned
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr from the
	// forwarding headers
	return r.RemoteAddr
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithJSON(w, statusCode, errorResponse(message))
}
