package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/familysync/familysync/internal/calendar"
	"github.com/familysync/familysync/internal/familysync"
	"github.com/familysync/familysync/internal/metrics"
	"github.com/familysync/familysync/internal/push"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Notifier receives shopping mutations worth a push notification.
type Notifier interface {
	NotifyItemAdded(listID int64, itemName, userName string, actor int64)
	NotifyItemChecked(listID int64, itemName, userName string, actor int64)
	NotifyItemDeleted(listID int64, itemName string, actor int64)
}

type TestSender interface {
	SendTest(ctx context.Context, userID int64) (push.DeliveryResult, error)
}

type CalendarImporter interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	FetchEvents(ctx context.Context, refreshToken string) ([]familysync.CalendarEvent, error)
}

type ServerConfig struct {
	JWTSecret         string
	TokenTTL          time.Duration
	MaxBodyBytes      int64
	RateLimitRPS      float64
	RateLimitBurst    int
	AllowedOrigins    []string
	VAPIDPublicKey    string
	PrometheusEnabled bool
	RequestLogging    bool

	Notifier Notifier
	Push     TestSender
	Calendar CalendarImporter
	Hub      *StreamHub
	Logger   Logger
	Now      func() time.Time
}

type Server struct {
	store   *familysync.Store
	cfg     ServerConfig
	hub     *StreamHub
	limiter *ipRateLimiter
	schemas schemaSet
	router  http.Handler
}

type ctxKey int

const claimsKey ctxKey = 0

func NewServer(store *familysync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *familysync.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub()
	}
	schemas, err := compileSchemas()
	if err != nil {
		panic(err)
	}
	s := &Server{
		store:   store,
		cfg:     cfg,
		hub:     cfg.Hub,
		schemas: schemas,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 5*time.Minute)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Hub() *StreamHub {
	return s.hub
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.cfg.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(s.cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.cfg.PrometheusEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Get("/health", s.handleHealth)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/calendar/callback", s.handleCalendarCallback)
		r.Get("/notifications/vapid-public-key", s.handleVAPIDPublicKey)
		r.Get("/sync/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/auth/profile", s.handleProfile)

			r.Get("/shopping/lists", s.handleListLists)
			r.Post("/shopping/lists", s.handleCreateList)
			r.Get("/shopping/lists/{listId}/items", s.handleListItems)
			r.Post("/shopping/lists/{listId}/items", s.handleAddItem)
			r.Delete("/shopping/lists/{listId}/clear", s.handleClearChecked)
			r.Patch("/shopping/items/{itemId}", s.handleUpdateItem)
			r.Delete("/shopping/items/{itemId}", s.handleDeleteItem)
			r.Get("/shopping/categories", s.handleCategories)

			r.Get("/calendar/auth-url", s.handleCalendarAuthURL)
			r.Get("/calendar/auth-status", s.handleCalendarAuthStatus)
			r.Post("/calendar/sync", s.handleCalendarSync)
			r.Get("/calendar/events", s.handleCalendarEvents)

			r.Post("/notifications/subscribe", s.handleSubscribe)
			r.Post("/notifications/unsubscribe", s.handleUnsubscribe)
			r.Get("/notifications/subscriptions", s.handleSubscriptions)
			r.Post("/notifications/test", s.handleTestNotification)
		})
	})
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.message)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(claimsKey).(tokenClaims)
	return claims
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"message":       "Family Sync API is running",
		"timestamp":     s.now().UTC(),
		"streamClients": s.hub.Count(),
	})
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type authResponse struct {
	Message string       `json:"message"`
	Token   string       `json:"token"`
	User    userResponse `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSONBody(w, r, "register", &req) {
		return
	}
	user, err := s.store.CreateUser(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, familysync.ErrConflict):
		writeError(w, http.StatusBadRequest, "username or email already exists")
		return
	case errors.Is(err, familysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	case err != nil:
		s.internalError(w, "register", err)
		return
	}
	s.writeAuth(w, http.StatusCreated, "user registered", user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSONBody(w, r, "login", &req) {
		return
	}
	user, err := s.store.Authenticate(req.Email, req.Password)
	switch {
	case errors.Is(err, familysync.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, familysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	case err != nil:
		s.internalError(w, "login", err)
		return
	}
	s.writeAuth(w, http.StatusOK, "login successful", user)
}

func (s *Server) writeAuth(w http.ResponseWriter, status int, message string, user familysync.User) {
	token, err := issueToken(s.cfg.JWTSecret, user.ID, user.Username, tokenAudience, s.now(), s.cfg.TokenTTL)
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}
	writeJSON(w, status, authResponse{
		Message: message,
		Token:   token,
		User:    userResponse{ID: user.ID, Username: user.Username, Email: user.Email},
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(claimsFrom(r).UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleListLists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lists": s.store.ListLists()})
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, "list", &req) {
		return
	}
	list, err := s.store.CreateList(req.Name, claimsFrom(r).UserID)
	if err != nil {
		s.internalError(w, "create list", err)
		return
	}
	s.broadcast(MessageSyncShopping)
	writeJSON(w, http.StatusCreated, map[string]any{"list": list})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "listId")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.store.ListItems(listID)})
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "listId")
	if !ok {
		return
	}
	var req struct {
		Name     string `json:"name"`
		Quantity string `json:"quantity"`
	}
	if !s.decodeJSONBody(w, r, "item", &req) {
		return
	}
	claims := claimsFrom(r)
	item, err := s.store.AddItem(listID, req.Name, req.Quantity, claims.UserID)
	switch {
	case errors.Is(err, familysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "item name is required")
		return
	case errors.Is(err, familysync.ErrNotFound):
		writeError(w, http.StatusNotFound, "list not found")
		return
	case err != nil:
		s.internalError(w, "add item", err)
		return
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyItemAdded(listID, item.Name, claims.Username, claims.UserID)
	}
	s.broadcast(MessageSyncShopping)
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	var patch familysync.ItemPatch
	if !s.decodeJSONBody(w, r, "item_patch", &patch) {
		return
	}
	claims := claimsFrom(r)
	item, err := s.store.UpdateItem(itemID, patch, claims.UserID)
	switch {
	case errors.Is(err, familysync.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
		return
	case errors.Is(err, familysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid item update")
		return
	case err != nil:
		s.internalError(w, "update item", err)
		return
	}
	if patch.Checked != nil && *patch.Checked && s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyItemChecked(item.ListID, item.Name, claims.Username, claims.UserID)
	}
	s.broadcast(MessageSyncShopping)
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	item, err := s.store.DeleteItem(itemID)
	if errors.Is(err, familysync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete item", err)
		return
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyItemDeleted(item.ListID, item.Name, claimsFrom(r).UserID)
	}
	s.broadcast(MessageSyncShopping)
	writeJSON(w, http.StatusOK, map[string]any{"message": "item deleted"})
}

func (s *Server) handleClearChecked(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "listId")
	if !ok {
		return
	}
	removed := s.store.ClearChecked(listID)
	if removed > 0 {
		s.broadcast(MessageSyncShopping)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "checked items removed", "deleted": removed})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.store.ListCategories()})
}

func (s *Server) handleCalendarAuthURL(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calendar == nil {
		writeError(w, http.StatusServiceUnavailable, calendar.ErrNotConfigured.Error())
		return
	}
	claims := claimsFrom(r)
	state, err := issueToken(s.cfg.JWTSecret, claims.UserID, claims.Username, stateAudience, s.now(), calendarStateTTL)
	if err != nil {
		s.internalError(w, "calendar state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": s.cfg.Calendar.AuthURL(state)})
}

func (s *Server) handleCalendarAuthStatus(w http.ResponseWriter, r *http.Request) {
	token, err := s.store.CalendarToken(claimsFrom(r).UserID)
	if err != nil && !errors.Is(err, familysync.ErrNotFound) {
		s.internalError(w, "calendar status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isAuthorized": token != ""})
}

func (s *Server) handleCalendarCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calendar == nil {
		writeCalendarPage(w, http.StatusServiceUnavailable, false, "Google Calendar is not configured on this server.")
		return
	}
	q := r.URL.Query()
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		writeCalendarPage(w, http.StatusBadRequest, false, "No authorization code was provided.")
		return
	}
	claims, authErr := parseToken(q.Get("state"), s.cfg.JWTSecret, stateAudience, s.now())
	if authErr != nil {
		writeCalendarPage(w, http.StatusBadRequest, false, "The authorization request expired. Please try again.")
		return
	}
	refreshToken, err := s.cfg.Calendar.Exchange(r.Context(), code)
	if err != nil {
		s.logf("calendar callback for user %d failed: %v", claims.UserID, err)
		writeCalendarPage(w, http.StatusBadGateway, false, "Google rejected the authorization.")
		return
	}
	if err := s.store.SetCalendarToken(claims.UserID, refreshToken); err != nil {
		s.logf("store calendar token for user %d failed: %v", claims.UserID, err)
		writeCalendarPage(w, http.StatusInternalServerError, false, "The authorization could not be saved.")
		return
	}
	writeCalendarPage(w, http.StatusOK, true, "")
}

func (s *Server) handleCalendarSync(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calendar == nil {
		writeError(w, http.StatusServiceUnavailable, calendar.ErrNotConfigured.Error())
		return
	}
	userID := claimsFrom(r).UserID
	token, err := s.store.CalendarToken(userID)
	if err != nil && !errors.Is(err, familysync.ErrNotFound) {
		s.internalError(w, "calendar token", err)
		return
	}
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "google calendar is not authorized",
			"needsAuth": true,
		})
		return
	}
	events, err := s.cfg.Calendar.FetchEvents(r.Context(), token)
	if errors.Is(err, calendar.ErrAuthorizationExpired) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":     "authorization expired or invalid",
			"needsAuth": true,
		})
		return
	}
	if err != nil {
		s.internalError(w, "calendar sync", err)
		return
	}
	count := s.store.UpsertEvents(userID, events)
	s.broadcast(MessageSyncCalendar)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "calendar synced",
		"eventCount": count,
	})
}

func (s *Server) handleCalendarEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseDateParam(q.Get("startDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate")
		return
	}
	to, err := parseDateParam(q.Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endDate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.store.ListEvents(claimsFrom(r).UserID, from, to)})
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured on this server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.VAPIDPublicKey})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			Auth   string `json:"auth"`
			P256dh string `json:"p256dh"`
		} `json:"keys"`
		DeviceName string `json:"deviceName"`
	}
	if !s.decodeJSONBody(w, r, "subscribe", &req) {
		return
	}
	sub, created, err := s.store.Subscribe(familysync.PushSubscription{
		UserID:     claimsFrom(r).UserID,
		Endpoint:   req.Endpoint,
		AuthKey:    req.Keys.Auth,
		P256dhKey:  req.Keys.P256dh,
		DeviceName: req.DeviceName,
	})
	if errors.Is(err, familysync.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "incomplete subscription data")
		return
	}
	if err != nil {
		s.internalError(w, "subscribe", err)
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, map[string]any{"message": "subscription created", "subscriptionId": sub.ID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "subscription updated", "subscriptionId": sub.ID})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !s.decodeJSONBody(w, r, "unsubscribe", &req) {
		return
	}
	err := s.store.Unsubscribe(claimsFrom(r).UserID, req.Endpoint)
	if errors.Is(err, familysync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.internalError(w, "unsubscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unsubscribed"})
}

type subscriptionView struct {
	ID         int64     `json:"id"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.store.ListSubscriptions(claimsFrom(r).UserID)
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView{
			ID:         sub.ID,
			DeviceName: sub.DeviceName,
			CreatedAt:  sub.CreatedAt,
			LastUsedAt: sub.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Push == nil {
		writeError(w, http.StatusServiceUnavailable, push.ErrNotConfigured.Error())
		return
	}
	res, err := s.cfg.Push.SendTest(r.Context(), claimsFrom(r).UserID)
	switch {
	case errors.Is(err, push.ErrNoSubscriptions):
		writeError(w, http.StatusNotFound, "no devices subscribed to notifications")
		return
	case errors.Is(err, push.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.internalError(w, "test notification", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "test notification sent",
		"sent":    res.Sent,
		"failed":  res.Failed,
		"purged":  res.Purged,
	})
}

func (s *Server) broadcast(msgType string) {
	if s.hub != nil {
		s.hub.Broadcast(msgType)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if message, valid := s.schemas.validate(schema, body); !valid {
		writeError(w, http.StatusBadRequest, message)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logf("%s failed: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) now() time.Time {
	return s.cfg.Now().UTC()
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

// parseDateParam accepts RFC 3339 timestamps or plain dates. Empty means
// unbounded.
func parseDateParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
