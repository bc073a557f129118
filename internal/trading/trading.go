package trading

import (
	"context"
	"fmt"

	"github.com/truekit/truekit/internal/models"
	"github.com/truekit/truekit/internal/valuation"

	"go.uber.org/zap"
)

// Store is the durable storage the trade lifecycle runs against. SettleTrade
// must apply the ownership swap, credit transfer and status update as one
// atomic unit.
type Store interface {
	GetProduct(ctx context.Context, id int) (*models.Product, error)
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
	GetTrade(ctx context.Context, id int) (*models.Trade, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
	CancelTrade(ctx context.Context, tradeID int) error
	SettleTrade(ctx context.Context, trade *models.Trade) error
}

// Conversations provisions the chat channel for a completed trade.
// EnsureChannel must be idempotent per trade id.
type Conversations interface {
	EnsureChannel(ctx context.Context, tradeID, userA, userB int) (int, error)
}

// Decision is the counterparty's answer to a pending trade.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// RespondResult reports the outcome of responding to a trade. ChatID is set
// when the trade was accepted and the conversation channel was provisioned.
type RespondResult struct {
	Status models.TradeStatus `json:"status"`
	ChatID int                `json:"chat_id,omitempty"`
}

// Service owns the trade lifecycle: proposals, responses and settlement.
type Service struct {
	store Store
	chats Conversations
	log   *zap.SugaredLogger
}

// NewService creates a trading service
func NewService(store Store, chats Conversations, log *zap.SugaredLogger) *Service {
	return &Service{store: store, chats: chats, log: log}
}

// Propose creates a pending trade offering the proposer's product against
// another user's product. Both products must exist and be available, the
// offered one must belong to the proposer, and the value asymmetry must pass
// the valuation policy. The credit delta is fixed here and not re-read at
// settlement. Products are not reserved; a product can sit in several
// pending trades and the first settlement wins.
func (s *Service) Propose(ctx context.Context, proposerID, offeredProductID, requestedProductID int) (*models.Trade, error) {
	offered, err := s.store.GetProduct(ctx, offeredProductID)
	if err != nil {
		return nil, err
	}
	requested, err := s.store.GetProduct(ctx, requestedProductID)
	if err != nil {
		return nil, err
	}

	if offered.OwnerID != proposerID {
		return nil, fmt.Errorf("product %d not owned by proposer: %w", offeredProductID, models.ErrNotFound)
	}
	if offered.ID == requested.ID {
		return nil, fmt.Errorf("cannot trade a product against itself: %w", models.ErrConflict)
	}
	if offered.Status != models.ProductAvailable {
		return nil, fmt.Errorf("product %d is %s: %w", offered.ID, offered.Status, models.ErrConflict)
	}
	if requested.Status != models.ProductAvailable {
		return nil, fmt.Errorf("product %d is %s: %w", requested.ID, requested.Status, models.ErrConflict)
	}

	delta, err := valuation.Evaluate(offered.Value, requested.Value)
	if err != nil {
		return nil, err
	}

	trade, err := s.store.CreateTrade(ctx, &models.Trade{
		ProposerID:         proposerID,
		CounterpartyID:     requested.OwnerID,
		OfferedProductID:   offered.ID,
		RequestedProductID: requested.ID,
		Status:             models.TradePending,
		CreditDelta:        delta,
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("trade proposed",
		"trade_id", trade.ID,
		"proposer_id", proposerID,
		"counterparty_id", trade.CounterpartyID,
		"credit_delta", delta)
	return trade, nil
}

// Respond resolves a pending trade. Only the counterparty may respond, and
// only once: the trade's terminal state is reached exactly one way. Reject
// just cancels. Accept settles atomically; if settlement fails (storage
// error, or a product was traded away in the meantime) the trade stays
// pending and the error is surfaced so the caller can retry or reject.
func (s *Service) Respond(ctx context.Context, tradeID, responderID int, decision Decision) (*RespondResult, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.CounterpartyID != responderID {
		return nil, fmt.Errorf("only the counterparty may respond to trade %d: %w", tradeID, models.ErrForbidden)
	}
	if trade.Status != models.TradePending {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, models.ErrInvalidState)
	}

	switch decision {
	case DecisionReject:
		if err := s.store.CancelTrade(ctx, tradeID); err != nil {
			return nil, err
		}
		s.log.Infow("trade rejected", "trade_id", tradeID, "responder_id", responderID)
		return &RespondResult{Status: models.TradeCancelled}, nil

	case DecisionAccept:
		if err := s.store.SettleTrade(ctx, trade); err != nil {
			return nil, err
		}
		s.log.Infow("trade settled",
			"trade_id", tradeID,
			"proposer_id", trade.ProposerID,
			"counterparty_id", trade.CounterpartyID,
			"credit_delta", trade.CreditDelta)

		// Channel provisioning runs outside the settlement transaction
		// and is idempotent, so a failure here does not undo the trade.
		chatID, err := s.chats.EnsureChannel(ctx, tradeID, trade.ProposerID, trade.CounterpartyID)
		if err != nil {
			s.log.Errorw("failed to provision chat for trade", "trade_id", tradeID, "error", err)
			return &RespondResult{Status: models.TradeCompleted}, nil
		}
		return &RespondResult{Status: models.TradeCompleted, ChatID: chatID}, nil

	default:
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
}

// ListUserTrades returns the user's trades, most recent first
func (s *Service) ListUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	return s.store.GetUserTrades(ctx, userID)
}
