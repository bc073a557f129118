package models

import "time"

// User represents a registered user. Tokens is the truecrédito balance,
// mutated only by trade settlement and campaign donations.
type User struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Location     string    `json:"location,omitempty"`
	Tokens       int       `json:"tokens"`
	Level        int       `json:"level"`
	Insignias    []string  `json:"insignias"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProductStatus is the lifecycle state of a listed product.
type ProductStatus string

const (
	ProductAvailable ProductStatus = "available"
	ProductTraded    ProductStatus = "traded"
)

// Product represents a listed item or service valued in truecréditos.
// A traded product is immutable apart from the ownership transfer that
// settled it.
type Product struct {
	ID          int           `json:"id"`
	OwnerID     int           `json:"owner_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Value       int           `json:"value"`
	Category    string        `json:"category,omitempty"`
	Status      ProductStatus `json:"status"`
	ImageURL    string        `json:"image_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	// Populated on catalog listings only.
	OwnerName     string `json:"owner_name,omitempty"`
	OwnerLocation string `json:"owner_location,omitempty"`
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeCancelled TradeStatus = "cancelled"
)

// CanTransitionTo reports whether moving to the given status is legal.
// Only pending→completed and pending→cancelled are allowed; terminal
// states never transition again.
func (s TradeStatus) CanTransitionTo(to TradeStatus) bool {
	return s == TradePending && (to == TradeCompleted || to == TradeCancelled)
}

// Terminal reports whether the status permits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// Trade represents a proposed or settled exchange of two products plus an
// optional credit adjustment. CreditDelta = offered value − requested value,
// fixed at proposal time. A positive delta means the proposer's item was
// worth more: on settlement the proposer is credited delta and the
// counterparty debited delta.
type Trade struct {
	ID                 int         `json:"id"`
	ProposerID         int         `json:"proposer_id"`
	CounterpartyID     int         `json:"counterparty_id"`
	OfferedProductID   int         `json:"offered_product_id"`
	RequestedProductID int         `json:"requested_product_id"`
	Status             TradeStatus `json:"status"`
	CreditDelta        int         `json:"credit_delta"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Chat is the conversation channel provisioned for a completed trade.
// At most one exists per trade.
type Chat struct {
	ID              int        `json:"id"`
	TradeID         int        `json:"trade_id"`
	User1ID         int        `json:"user1_id"`
	User2ID         int        `json:"user2_id"`
	CreatedAt       time.Time  `json:"created_at"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
}

// HasMember reports whether the user participates in the chat.
func (c *Chat) HasMember(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Message is a single chat message.
type Message struct {
	ID         int       `json:"id"`
	ChatID     int       `json:"chat_id"`
	SenderID   int       `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Donation records a campaign donation.
type Donation struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Campaign  string    `json:"campaign"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
