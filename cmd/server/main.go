package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/truekit/truekit/internal/api"
	"github.com/truekit/truekit/internal/auth"
	"github.com/truekit/truekit/internal/campaign"
	"github.com/truekit/truekit/internal/chat"
	"github.com/truekit/truekit/internal/config"
	"github.com/truekit/truekit/internal/db"
	"github.com/truekit/truekit/internal/models"
	"github.com/truekit/truekit/internal/trading"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin restrictions are handled by the CORS layer
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// hub delivers new chat messages to the connected participants of the chat.
// It implements chat.Notifier.
type hub struct {
	mu      sync.RWMutex
	clients map[int]map[*wsClient]bool // keyed by user id
	log     *zap.SugaredLogger
}

func newHub(log *zap.SugaredLogger) *hub {
	return &hub{clients: make(map[int]map[*wsClient]bool), log: log}
}

func (h *hub) add(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]bool)
	}
	h.clients[userID][c] = true
}

func (h *hub) remove(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// MessageSent pushes a stored message to both chat members' connections
func (h *hub) MessageSent(c *models.Chat, msg *models.Message) {
	payload := map[string]interface{}{
		"type":    "message",
		"chat_id": c.ID,
		"message": msg,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range []int{c.User1ID, c.User2ID} {
		for client := range h.clients[userID] {
			if err := client.send(payload); err != nil {
				h.log.Warnw("failed to push message", "user_id", userID, "error", err)
			}
		}
	}
}

// handleWebSocket upgrades the connection after validating the token passed
// as a query parameter, then keeps it open for pushed messages.
func handleWebSocket(h *hub, authService *auth.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authService.GetUserFromToken(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warnw("failed to upgrade connection", "error", err)
			return
		}

		client := &wsClient{conn: conn}
		h.add(userID, client)
		defer func() {
			h.remove(userID, client)
			conn.Close()
		}()

		// Drain the connection until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// Main entry point: sets up configuration, database, services and the HTTP
// server.
func main() {
	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.Load(sugar)

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		sugar.Fatalw("failed to connect to database", "error", err)
	}
	defer database.Close(ctx)

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	wsHub := newHub(sugar)
	chatService := chat.NewService(database, wsHub)
	tradingService := trading.NewService(database, chatService, sugar)
	campaignService := campaign.NewService(database)

	handler := api.NewHandler(database, authService, tradingService, chatService, campaignService, sugar)

	r := chi.NewRouter()

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handler.Routes(r)
	r.Get("/ws", handleWebSocket(wsHub, authService))

	// Serve the frontend for anything that is not an API route.
	r.Handle("/*", http.FileServer(http.Dir("public")))

	sugar.Infow("starting server", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		sugar.Fatalw("server failed", "error", err)
	}
}
