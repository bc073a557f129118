package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/truekit/truekit/internal/db"
	"github.com/truekit/truekit/internal/models"
)

// Notifier receives every stored message for live delivery. Implementations
// must not block.
type Notifier interface {
	MessageSent(chat *models.Chat, msg *models.Message)
}

// Service manages per-trade conversation channels and their messages.
type Service struct {
	db       *db.DB
	notifier Notifier // optional
}

// NewService creates a chat service. notifier may be nil.
func NewService(database *db.DB, notifier Notifier) *Service {
	return &Service{db: database, notifier: notifier}
}

// EnsureChannel returns the chat channel for a trade, creating it if none
// exists. Safe to call repeatedly and concurrently for the same trade.
func (s *Service) EnsureChannel(ctx context.Context, tradeID, userA, userB int) (int, error) {
	return s.db.EnsureChat(ctx, tradeID, userA, userB)
}

// ListUserChats returns the user's chats with a last-message preview
func (s *Service) ListUserChats(ctx context.Context, userID int) ([]models.Chat, error) {
	return s.db.GetUserChats(ctx, userID)
}

// Messages returns a chat's messages, oldest first. Only chat members may
// read them.
func (s *Service) Messages(ctx context.Context, chatID, userID int) ([]models.Message, error) {
	chat, err := s.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, fmt.Errorf("user %d is not in chat %d: %w", userID, chatID, models.ErrForbidden)
	}
	return s.db.GetChatMessages(ctx, chatID)
}

// Send stores a message in a chat the sender belongs to and notifies the
// live-delivery hook, if any.
func (s *Service) Send(ctx context.Context, chatID, senderID int, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	chat, err := s.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(senderID) {
		return nil, fmt.Errorf("user %d is not in chat %d: %w", senderID, chatID, models.ErrForbidden)
	}

	msg, err := s.db.CreateMessage(ctx, chatID, senderID, content)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.MessageSent(chat, msg)
	}
	return msg, nil
}
