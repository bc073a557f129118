package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/truekit/truekit/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user. New users start with 10 truecréditos.
func (db *DB) CreateUser(ctx context.Context, name, email, passwordHash, location string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, email, password_hash, location) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, name, email, password_hash, COALESCE(location, ''), tokens, level, insignias, created_at",
		name, email, passwordHash, location).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Location,
		&user.Tokens, &user.Level, &user.Insignias, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("email already in use: %w", models.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, email, password_hash, COALESCE(location, ''), tokens, level, insignias, created_at FROM users WHERE email = $1",
		email).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Location,
		&user.Tokens, &user.Level, &user.Insignias, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, email, password_hash, COALESCE(location, ''), tokens, level, insignias, created_at FROM users WHERE id = $1",
		id).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Location,
		&user.Tokens, &user.Level, &user.Insignias, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CountUserTrades counts trades where the user is either party
func (db *DB) CountUserTrades(ctx context.Context, userID int) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trades WHERE proposer_id = $1 OR counterparty_id = $1",
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

// AdjustBalance atomically increments a user's credit balance by delta
// (negative to debit).
func (db *DB) AdjustBalance(ctx context.Context, userID, delta int) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET tokens = tokens + $1 WHERE id = $2", delta, userID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
	}
	return nil
}

// CreateProduct inserts a new product listing
func (db *DB) CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	if product.Value <= 0 {
		return nil, fmt.Errorf("value must be positive")
	}

	created := &models.Product{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO products (owner_id, name, description, value, category, image_url) VALUES ($1, $2, $3, $4, $5, $6) "+
			"RETURNING id, owner_id, name, description, value, category, status, image_url, created_at",
		product.OwnerID, product.Name, product.Description, product.Value, product.Category, product.ImageURL).Scan(
		&created.ID, &created.OwnerID, &created.Name, &created.Description,
		&created.Value, &created.Category, &created.Status, &created.ImageURL, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return created, nil
}

// GetProduct retrieves a product by id
func (db *DB) GetProduct(ctx context.Context, id int) (*models.Product, error) {
	product := &models.Product{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, owner_id, name, COALESCE(description, ''), value, COALESCE(category, ''), status, COALESCE(image_url, ''), created_at FROM products WHERE id = $1",
		id).Scan(
		&product.ID, &product.OwnerID, &product.Name, &product.Description,
		&product.Value, &product.Category, &product.Status, &product.ImageURL, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return product, nil
}

// ListAvailableProducts retrieves available products with owner info,
// optionally filtered by category and maximum value.
func (db *DB) ListAvailableProducts(ctx context.Context, category string, maxValue int) ([]models.Product, error) {
	query := "SELECT p.id, p.owner_id, p.name, COALESCE(p.description, ''), p.value, COALESCE(p.category, ''), p.status, COALESCE(p.image_url, ''), p.created_at, " +
		"u.name, COALESCE(u.location, '') " +
		"FROM products p JOIN users u ON p.owner_id = u.id WHERE p.status = 'available'"
	args := []interface{}{}
	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(" AND p.category = $%d", len(args))
	}
	if maxValue > 0 {
		args = append(args, maxValue)
		query += fmt.Sprintf(" AND p.value <= $%d", len(args))
	}
	query += " ORDER BY p.created_at DESC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Value,
			&p.Category, &p.Status, &p.ImageURL, &p.CreatedAt, &p.OwnerName, &p.OwnerLocation); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// SetProductOwnerAndStatus updates a product's owner and status
func (db *DB) SetProductOwnerAndStatus(ctx context.Context, id, ownerID int, status models.ProductStatus) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE products SET owner_id = $1, status = $2 WHERE id = $3", ownerID, status, id)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// CreateTrade inserts a new pending trade
func (db *DB) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	created := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO trades (proposer_id, counterparty_id, offered_product_id, requested_product_id, status, credit_delta) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"RETURNING id, proposer_id, counterparty_id, offered_product_id, requested_product_id, status, credit_delta, created_at",
		trade.ProposerID, trade.CounterpartyID, trade.OfferedProductID, trade.RequestedProductID,
		models.TradePending, trade.CreditDelta).Scan(
		&created.ID, &created.ProposerID, &created.CounterpartyID, &created.OfferedProductID,
		&created.RequestedProductID, &created.Status, &created.CreditDelta, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, id int) (*models.Trade, error) {
	trade := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, proposer_id, counterparty_id, offered_product_id, requested_product_id, status, credit_delta, created_at "+
			"FROM trades WHERE id = $1",
		id).Scan(
		&trade.ID, &trade.ProposerID, &trade.CounterpartyID, &trade.OfferedProductID,
		&trade.RequestedProductID, &trade.Status, &trade.CreditDelta, &trade.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// GetUserTrades retrieves all trades where the user is either party, most
// recent first.
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, proposer_id, counterparty_id, offered_product_id, requested_product_id, status, credit_delta, created_at "+
			"FROM trades WHERE proposer_id = $1 OR counterparty_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.ProposerID, &t.CounterpartyID, &t.OfferedProductID,
			&t.RequestedProductID, &t.Status, &t.CreditDelta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CancelTrade transitions a pending trade to cancelled. The row is locked
// so a concurrent accept and reject cannot both succeed.
func (db *DB) CancelTrade(ctx context.Context, tradeID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.TradeStatus
	err = tx.QueryRow(ctx, "SELECT status FROM trades WHERE id = $1 FOR UPDATE", tradeID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("trade %d: %w", tradeID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to lock trade: %w", err)
	}
	if !status.CanTransitionTo(models.TradeCancelled) {
		return fmt.Errorf("trade %d is %s: %w", tradeID, status, models.ErrInvalidState)
	}

	_, err = tx.Exec(ctx,
		"UPDATE trades SET status = $1 WHERE id = $2 AND status = $3",
		models.TradeCancelled, tradeID, models.TradePending)
	if err != nil {
		return fmt.Errorf("failed to cancel trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SettleTrade applies a trade's effects as a single atomic unit: re-check
// both products, swap ownership, mark them traded, transfer the credit
// delta and complete the trade. Any failure rolls everything back and the
// trade stays pending.
//
// Sign convention: CreditDelta = offered value − requested value. A positive
// delta means the proposer gave up the more valuable item, so the proposer
// is credited and the counterparty debited.
func (db *DB) SettleTrade(ctx context.Context, trade *models.Trade) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the trade row first so concurrent responses serialize here.
	var status models.TradeStatus
	err = tx.QueryRow(ctx, "SELECT status FROM trades WHERE id = $1 FOR UPDATE", trade.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("trade %d: %w", trade.ID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to lock trade: %w", err)
	}
	if !status.CanTransitionTo(models.TradeCompleted) {
		return fmt.Errorf("trade %d is %s: %w", trade.ID, status, models.ErrInvalidState)
	}

	// Re-read both products under lock, in id order so two settlements
	// touching the same pair cannot deadlock.
	rows, err := tx.Query(ctx,
		"SELECT id, owner_id, status FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		[]int{trade.OfferedProductID, trade.RequestedProductID})
	if err != nil {
		return fmt.Errorf("failed to lock products: %w", err)
	}

	type productRow struct {
		ownerID int
		status  models.ProductStatus
	}
	locked := make(map[int]productRow, 2)
	for rows.Next() {
		var id int
		var row productRow
		if err := rows.Scan(&id, &row.ownerID, &row.status); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan product: %w", err)
		}
		locked[id] = row
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read products: %w", err)
	}

	offered, ok := locked[trade.OfferedProductID]
	if !ok {
		return fmt.Errorf("product %d: %w", trade.OfferedProductID, models.ErrNotFound)
	}
	requested, ok := locked[trade.RequestedProductID]
	if !ok {
		return fmt.Errorf("product %d: %w", trade.RequestedProductID, models.ErrNotFound)
	}

	// A product already committed to another settlement aborts this one;
	// the trade stays pending for the counterparty to reject.
	if offered.status != models.ProductAvailable {
		return fmt.Errorf("product %d no longer available: %w", trade.OfferedProductID, models.ErrConflict)
	}
	if requested.status != models.ProductAvailable {
		return fmt.Errorf("product %d no longer available: %w", trade.RequestedProductID, models.ErrConflict)
	}
	if offered.ownerID != trade.ProposerID || requested.ownerID != trade.CounterpartyID {
		return fmt.Errorf("product ownership changed since proposal: %w", models.ErrConflict)
	}

	// Swap ownership.
	if _, err := tx.Exec(ctx,
		"UPDATE products SET owner_id = $1, status = $2 WHERE id = $3",
		trade.CounterpartyID, models.ProductTraded, trade.OfferedProductID); err != nil {
		return fmt.Errorf("failed to transfer offered product: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE products SET owner_id = $1, status = $2 WHERE id = $3",
		trade.ProposerID, models.ProductTraded, trade.RequestedProductID); err != nil {
		return fmt.Errorf("failed to transfer requested product: %w", err)
	}

	// Transfer the credit difference.
	if trade.CreditDelta != 0 {
		if _, err := tx.Exec(ctx,
			"UPDATE users SET tokens = tokens + $1 WHERE id = $2",
			trade.CreditDelta, trade.ProposerID); err != nil {
			return fmt.Errorf("failed to credit proposer: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE users SET tokens = tokens - $1 WHERE id = $2",
			trade.CreditDelta, trade.CounterpartyID); err != nil {
			return fmt.Errorf("failed to debit counterparty: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		"UPDATE trades SET status = $1 WHERE id = $2 AND status = $3",
		models.TradeCompleted, trade.ID, models.TradePending)
	if err != nil {
		return fmt.Errorf("failed to complete trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d already resolved: %w", trade.ID, models.ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// EnsureChat returns the chat for a trade, creating it if none exists.
// The unique index on trade_id makes concurrent calls converge on one row.
func (db *DB) EnsureChat(ctx context.Context, tradeID, user1ID, user2ID int) (int, error) {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO chats (trade_id, user1_id, user2_id) VALUES ($1, $2, $3) ON CONFLICT (trade_id) DO NOTHING",
		tradeID, user1ID, user2ID)
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}

	var chatID int
	err = db.Pool.QueryRow(ctx, "SELECT id FROM chats WHERE trade_id = $1", tradeID).Scan(&chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to get chat: %w", err)
	}
	return chatID, nil
}

// GetChat retrieves a chat by id
func (db *DB) GetChat(ctx context.Context, chatID int) (*models.Chat, error) {
	chat := &models.Chat{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, trade_id, user1_id, user2_id, created_at FROM chats WHERE id = $1",
		chatID).Scan(&chat.ID, &chat.TradeID, &chat.User1ID, &chat.User2ID, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chat %d: %w", chatID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

// GetUserChats retrieves the user's chats with a last-message preview,
// most recently active first.
func (db *DB) GetUserChats(ctx context.Context, userID int) ([]models.Chat, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT c.id, c.trade_id, c.user1_id, c.user2_id, c.created_at,
		       COALESCE((SELECT content FROM messages m WHERE m.chat_id = c.id ORDER BY m.created_at DESC, m.id DESC LIMIT 1), ''),
		       (SELECT created_at FROM messages m WHERE m.chat_id = c.id ORDER BY m.created_at DESC, m.id DESC LIMIT 1)
		FROM chats c
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY 7 DESC NULLS LAST, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.TradeID, &c.User1ID, &c.User2ID, &c.CreatedAt,
			&c.LastMessage, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// CreateMessage inserts a chat message and returns it with the sender name
func (db *DB) CreateMessage(ctx context.Context, chatID, senderID int, content string) (*models.Message, error) {
	msg := &models.Message{}
	err := db.Pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO messages (chat_id, sender_id, content) VALUES ($1, $2, $3)
			RETURNING id, chat_id, sender_id, content, created_at
		)
		SELECT i.id, i.chat_id, i.sender_id, u.name, i.content, i.created_at
		FROM inserted i JOIN users u ON i.sender_id = u.id
	`, chatID, senderID, content).Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// GetChatMessages retrieves a chat's messages, oldest first
func (db *DB) GetChatMessages(ctx context.Context, chatID int) ([]models.Message, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, u.name, m.content, m.created_at
		FROM messages m JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Donate debits the donation from the user's balance, records it, and
// awards the campaign badge at most once, all in one transaction.
func (db *DB) Donate(ctx context.Context, userID int, campaign string, amount int, badge string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tokens int
	err = tx.QueryRow(ctx, "SELECT tokens FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&tokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if tokens < amount {
		return fmt.Errorf("balance %d below donation %d: %w", tokens, amount, models.ErrInsufficientCredits)
	}

	if _, err := tx.Exec(ctx, "UPDATE users SET tokens = tokens - $1 WHERE id = $2", amount, userID); err != nil {
		return fmt.Errorf("failed to debit donation: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO campaign_donations (user_id, campaign_name, amount) VALUES ($1, $2, $3)",
		userID, campaign, amount); err != nil {
		return fmt.Errorf("failed to record donation: %w", err)
	}

	if badge != "" {
		if _, err := tx.Exec(ctx,
			"UPDATE users SET insignias = insignias || to_jsonb($1::text) WHERE id = $2 AND NOT insignias @> to_jsonb($1::text)",
			badge, userID); err != nil {
			return fmt.Errorf("failed to award badge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit donation: %w", err)
	}
	return nil
}
