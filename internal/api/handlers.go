package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/truekit/truekit/internal/auth"
	"github.com/truekit/truekit/internal/campaign"
	"github.com/truekit/truekit/internal/chat"
	"github.com/truekit/truekit/internal/db"
	"github.com/truekit/truekit/internal/models"
	"github.com/truekit/truekit/internal/trading"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	AuthService *auth.AuthService
	Trading     *trading.Service
	Chat        *chat.Service
	Campaigns   *campaign.Service
	Log         *zap.SugaredLogger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, authService *auth.AuthService, tradingSvc *trading.Service,
	chatSvc *chat.Service, campaigns *campaign.Service, log *zap.SugaredLogger) *Handler {
	return &Handler{
		DB:          database,
		AuthService: authService,
		Trading:     tradingSvc,
		Chat:        chatSvc,
		Campaigns:   campaigns,
		Log:         log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValuationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrInsufficientCredits):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.Log.Errorw("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Name, req.Email, req.Password, req.Location)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			writeError(w, http.StatusConflict, "email already in use")
			return
		}
		h.Log.Errorw("failed to register user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(userIDKey).(int)
	return id, ok
}

// GetMe returns the authenticated user's profile with their trade count
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.DB.GetUser(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	tradeCount, err := h.DB.CountUserTrades(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          user.ID,
		"name":        user.Name,
		"email":       user.Email,
		"location":    user.Location,
		"tokens":      user.Tokens,
		"level":       user.Level,
		"insignias":   user.Insignias,
		"trade_count": tradeCount,
	})
}

// ListProducts returns available products, optionally filtered by category
// and maximum value
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	maxValue := 0
	if raw := r.URL.Query().Get("max_value"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_value")
			return
		}
		maxValue = v
	}

	products, err := h.DB.ListAvailableProducts(r.Context(), r.URL.Query().Get("category"), maxValue)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

// CreateProduct adds a new product listing. Value and category get derived
// defaults when omitted, matching the marketplace's quick-listing flow.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       int    `json:"value"`
		Category    string `json:"category"`
		ImageURL    string `json:"image_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	value := req.Value
	if value <= 0 {
		value = len(req.Description)%20 + 10
	}
	category := req.Category
	if category == "" {
		category = []string{"Servicios", "Hogar", "Tecnología"}[value%3]
	}

	product, err := h.DB.CreateProduct(r.Context(), &models.Product{
		OwnerID:     userID,
		Name:        req.Name,
		Description: req.Description,
		Value:       value,
		Category:    category,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":    "product added",
		"product_id": product.ID,
	})
}

// ProposeTrade creates a pending trade proposal
func (h *Handler) ProposeTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		OfferedProductID   int `json:"offered_product_id"`
		RequestedProductID int `json:"requested_product_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OfferedProductID <= 0 || req.RequestedProductID <= 0 {
		writeError(w, http.StatusBadRequest, "offered_product_id and requested_product_id required")
		return
	}

	trade, err := h.Trading.Propose(r.Context(), userID, req.OfferedProductID, req.RequestedProductID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "trade proposal sent, awaiting response",
		"trade_id": trade.ID,
	})
}

// GetMyTrades returns the user's trades, most recent first
func (h *Handler) GetMyTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.Trading.ListUserTrades(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RespondToTrade lets the counterparty accept or reject a pending trade
func (h *Handler) RespondToTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tradeID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision := trading.Decision(req.Decision)
	if decision != trading.DecisionAccept && decision != trading.DecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be 'accept' or 'reject'")
		return
	}

	result, err := h.Trading.Respond(r.Context(), tradeID, userID, decision)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{"status": result.Status}
	if result.Status == models.TradeCompleted {
		resp["message"] = "trade accepted, exchange completed"
		if result.ChatID != 0 {
			resp["chat_id"] = result.ChatID
		}
	} else {
		resp["message"] = "trade rejected"
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCampaigns returns the donation campaign catalog
func (h *Handler) GetCampaigns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Campaigns.Catalog())
}

// Donate transfers credits from the user to a campaign
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Campaign string `json:"campaign"`
		Amount   int    `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "donation must be positive")
		return
	}

	if err := h.Campaigns.Donate(r.Context(), userID, req.Campaign, req.Amount); err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			writeError(w, http.StatusBadRequest, "not enough truecréditos")
			return
		}
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "thank you for your donation"})
}

// GetChats lists the user's chats
func (h *Handler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	chats, err := h.Chat.ListUserChats(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChatMessages returns a chat's messages
func (h *Handler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chatID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	messages, err := h.Chat.Messages(r.Context(), chatID, userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendChatMessage posts a message to a chat
func (h *Handler) SendChatMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chatID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	msg, err := h.Chat.Send(r.Context(), chatID, userID, req.Content)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Routes mounts all API routes on the router
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/register", h.Register)
	r.Post("/api/login", h.Login)
	r.Get("/api/products", h.ListProducts)
	r.Get("/api/campaigns", h.GetCampaigns)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/api/user/me", h.GetMe)
		r.Post("/api/products", h.CreateProduct)
		r.Post("/api/trades", h.ProposeTrade)
		r.Get("/api/my-trades", h.GetMyTrades)
		r.Put("/api/trades/{id}", h.RespondToTrade)
		r.Post("/api/donate", h.Donate)
		r.Get("/api/chats", h.GetChats)
		r.Get("/api/chats/{id}/messages", h.GetChatMessages)
		r.Post("/api/chats/{id}/messages", h.SendChatMessage)
	})
}
