package trading

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/truekit/truekit/internal/models"

	"go.uber.org/zap"
)

// memStore is an in-memory Store with the same semantics as the Postgres
// layer: settlement re-checks product availability and applies the swap,
// credit transfer and status change together or not at all.
type memStore struct {
	products  map[int]*models.Product
	trades    map[int]*models.Trade
	balances  map[int]int
	nextTrade int
	settleErr error // injected storage failure
	settled   int
}

func newMemStore() *memStore {
	return &memStore{
		products:  make(map[int]*models.Product),
		trades:    make(map[int]*models.Trade),
		balances:  make(map[int]int),
		nextTrade: 1,
	}
}

func (m *memStore) GetProduct(_ context.Context, id int) (*models.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateTrade(_ context.Context, trade *models.Trade) (*models.Trade, error) {
	cp := *trade
	cp.ID = m.nextTrade
	m.nextTrade++
	m.trades[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetTrade(_ context.Context, id int) (*models.Trade, error) {
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, models.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetUserTrades(_ context.Context, userID int) ([]models.Trade, error) {
	var out []models.Trade
	for id := m.nextTrade - 1; id >= 1; id-- {
		t, ok := m.trades[id]
		if !ok {
			continue
		}
		if t.ProposerID == userID || t.CounterpartyID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) CancelTrade(_ context.Context, tradeID int) error {
	t, ok := m.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %d: %w", tradeID, models.ErrNotFound)
	}
	if !t.Status.CanTransitionTo(models.TradeCancelled) {
		return fmt.Errorf("trade %d is %s: %w", tradeID, t.Status, models.ErrInvalidState)
	}
	t.Status = models.TradeCancelled
	return nil
}

func (m *memStore) SettleTrade(_ context.Context, trade *models.Trade) error {
	if m.settleErr != nil {
		return m.settleErr
	}
	t, ok := m.trades[trade.ID]
	if !ok {
		return fmt.Errorf("trade %d: %w", trade.ID, models.ErrNotFound)
	}
	if !t.Status.CanTransitionTo(models.TradeCompleted) {
		return fmt.Errorf("trade %d is %s: %w", trade.ID, t.Status, models.ErrInvalidState)
	}
	offered, ok := m.products[t.OfferedProductID]
	if !ok {
		return fmt.Errorf("product %d: %w", t.OfferedProductID, models.ErrNotFound)
	}
	requested, ok := m.products[t.RequestedProductID]
	if !ok {
		return fmt.Errorf("product %d: %w", t.RequestedProductID, models.ErrNotFound)
	}
	if offered.Status != models.ProductAvailable || requested.Status != models.ProductAvailable {
		return fmt.Errorf("product no longer available: %w", models.ErrConflict)
	}

	offered.OwnerID = t.CounterpartyID
	offered.Status = models.ProductTraded
	requested.OwnerID = t.ProposerID
	requested.Status = models.ProductTraded
	if t.CreditDelta != 0 {
		m.balances[t.ProposerID] += t.CreditDelta
		m.balances[t.CounterpartyID] -= t.CreditDelta
	}
	t.Status = models.TradeCompleted
	m.settled++
	return nil
}

type memChats struct {
	channels map[int]int
	next     int
	err      error
}

func newMemChats() *memChats {
	return &memChats{channels: make(map[int]int), next: 100}
}

func (m *memChats) EnsureChannel(_ context.Context, tradeID, _, _ int) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if id, ok := m.channels[tradeID]; ok {
		return id, nil
	}
	m.next++
	m.channels[tradeID] = m.next
	return m.next, nil
}

func newTestService() (*Service, *memStore, *memChats) {
	store := newMemStore()
	chats := newMemChats()
	return NewService(store, chats, zap.NewNop().Sugar()), store, chats
}

// addProduct seeds a product into the fake store
func (m *memStore) addProduct(id, ownerID, value int, status models.ProductStatus) {
	m.products[id] = &models.Product{ID: id, OwnerID: ownerID, Value: value, Status: status}
}

func TestPropose(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*memStore)
		proposer  int
		offered   int
		requested int
		wantErr   error
		wantDelta int
	}{
		{
			name: "Success",
			setup: func(m *memStore) {
				m.addProduct(1, 1, 100, models.ProductAvailable)
				m.addProduct(2, 2, 85, models.ProductAvailable)
			},
			proposer: 1, offered: 1, requested: 2,
			wantDelta: 15,
		},
		{
			name: "OfferedMissing",
			setup: func(m *memStore) {
				m.addProduct(2, 2, 85, models.ProductAvailable)
			},
			proposer: 1, offered: 1, requested: 2,
			wantErr: models.ErrNotFound,
		},
		{
			name: "RequestedMissing",
			setup: func(m *memStore) {
				m.addProduct(1, 1, 100, models.ProductAvailable)
			},
			proposer: 1, offered: 1, requested: 2,
			wantErr: models.ErrNotFound,
		},
		{
			name: "OfferedNotOwned",
			setup: func(m *memStore) {
				m.addProduct(1, 9, 100, models.ProductAvailable)
				m.addProduct(2, 2, 85, models.ProductAvailable)
			},
			proposer: 1, offered: 1, requested: 2,
			wantErr: models.ErrNotFound,
		},
		{
			name: "OfferedAlreadyTraded",
			setup: func(m *memStore) {
				m.addProduct(1, 1, 100, models.ProductTraded)
				m.addProduct(2, 2, 85, models.ProductAvailable)
			},
			proposer: 1, offered: 1, requested: 2,
			wantErr: models.ErrConflict,
		},
		{
			name: "RequestedAlreadyTraded",
			setup: func(m *memStore) {
				m.addProduct(1, 1, 100, models.ProductAvailable)
				m.addProduct(2, 2, 85, models.ProductTraded)
			},
			proposer: 1, offered: 1, requested: 2,
			wantErr: models.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService()
			tt.setup(store)

			trade, err := svc.Propose(context.Background(), tt.proposer, tt.offered, tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(store.trades) != 0 {
					t.Errorf("no trade row should be created on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if trade.Status != models.TradePending {
				t.Errorf("expected pending, got %s", trade.Status)
			}
			if trade.CreditDelta != tt.wantDelta {
				t.Errorf("expected delta %d, got %d", tt.wantDelta, trade.CreditDelta)
			}
			if trade.CounterpartyID != 2 {
				t.Errorf("counterparty should be the requested product's owner, got %d", trade.CounterpartyID)
			}
		})
	}
}

func TestPropose_ValuationRejection(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 50, models.ProductAvailable)

	_, err := svc.Propose(context.Background(), 1, 1, 2)
	var verr *models.ValuationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *models.ValuationError, got %v", err)
	}
	if verr.MaxAllowed != 20 {
		t.Errorf("expected max allowed 20, got %f", verr.MaxAllowed)
	}
	if len(store.trades) != 0 {
		t.Error("no trade row should be created on valuation rejection")
	}
}

func TestRespond_Accept(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, err := svc.Propose(context.Background(), 1, 1, 2)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	res, err := svc.Respond(context.Background(), trade.ID, 2, DecisionAccept)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if res.Status != models.TradeCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.ChatID == 0 {
		t.Error("expected a chat id on acceptance")
	}

	// Ownership swapped, both products traded.
	if store.products[1].OwnerID != 2 || store.products[1].Status != models.ProductTraded {
		t.Errorf("offered product not transferred: %+v", store.products[1])
	}
	if store.products[2].OwnerID != 1 || store.products[2].Status != models.ProductTraded {
		t.Errorf("requested product not transferred: %+v", store.products[2])
	}

	// Positive delta: the proposer gave up the more valuable item and is
	// credited; the sum of both balances is conserved.
	if store.balances[1] != 15 || store.balances[2] != -15 {
		t.Errorf("expected balances +15/-15, got %d/%d", store.balances[1], store.balances[2])
	}
	if store.balances[1]+store.balances[2] != 0 {
		t.Error("credit transfer must conserve the balance sum")
	}
}

func TestRespond_Reject(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, _ := svc.Propose(context.Background(), 1, 1, 2)

	res, err := svc.Respond(context.Background(), trade.ID, 2, DecisionReject)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if res.Status != models.TradeCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}

	// Rejection has no side effects beyond the status change.
	if store.products[1].OwnerID != 1 || store.products[1].Status != models.ProductAvailable {
		t.Errorf("offered product should be untouched: %+v", store.products[1])
	}
	if store.balances[1] != 0 || store.balances[2] != 0 {
		t.Error("rejection must not move credits")
	}
}

func TestRespond_Forbidden(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, _ := svc.Propose(context.Background(), 1, 1, 2)

	// The proposer cannot respond to their own proposal.
	_, err := svc.Respond(context.Background(), trade.ID, 1, DecisionAccept)
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// Neither can a third party.
	_, err = svc.Respond(context.Background(), trade.ID, 3, DecisionAccept)
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRespond_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Respond(context.Background(), 42, 2, DecisionAccept)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRespond_TerminalTradeNeverTransitionsAgain(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, _ := svc.Propose(context.Background(), 1, 1, 2)
	if _, err := svc.Respond(context.Background(), trade.ID, 2, DecisionAccept); err != nil {
		t.Fatalf("first respond failed: %v", err)
	}

	for _, decision := range []Decision{DecisionAccept, DecisionReject} {
		_, err := svc.Respond(context.Background(), trade.ID, 2, decision)
		if !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("second %s should fail with ErrInvalidState, got %v", decision, err)
		}
	}
	if store.settled != 1 {
		t.Errorf("expected exactly one settlement, got %d", store.settled)
	}
}

// Two proposers both target product 2 while it is still available. Both
// proposals succeed; the first acceptance settles, the second fails at the
// availability re-check and its trade stays pending.
func TestRespond_CompetingTrades(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 90, models.ProductAvailable)
	store.addProduct(3, 3, 100, models.ProductAvailable)

	first, err := svc.Propose(context.Background(), 1, 1, 2)
	if err != nil {
		t.Fatalf("first propose failed: %v", err)
	}
	second, err := svc.Propose(context.Background(), 3, 3, 2)
	if err != nil {
		t.Fatalf("second propose failed: %v", err)
	}

	if _, err := svc.Respond(context.Background(), first.ID, 2, DecisionAccept); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}

	_, err = svc.Respond(context.Background(), second.ID, 2, DecisionAccept)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The losing trade remains pending and can still be rejected.
	got, _ := store.GetTrade(context.Background(), second.ID)
	if got.Status != models.TradePending {
		t.Errorf("losing trade should stay pending, got %s", got.Status)
	}
	if _, err := svc.Respond(context.Background(), second.ID, 2, DecisionReject); err != nil {
		t.Errorf("rejecting the losing trade should succeed: %v", err)
	}
}

func TestRespond_SettlementFailureLeavesTradePending(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, _ := svc.Propose(context.Background(), 1, 1, 2)
	store.settleErr = errors.New("connection reset")

	_, err := svc.Respond(context.Background(), trade.ID, 2, DecisionAccept)
	if err == nil {
		t.Fatal("expected settlement error")
	}

	got, _ := store.GetTrade(context.Background(), trade.ID)
	if got.Status != models.TradePending {
		t.Errorf("trade should stay pending after storage failure, got %s", got.Status)
	}
	if store.products[1].OwnerID != 1 || store.balances[1] != 0 {
		t.Error("no partial state may be observable after a failed settlement")
	}

	// The client may retry the response once storage recovers.
	store.settleErr = nil
	if _, err := svc.Respond(context.Background(), trade.ID, 2, DecisionAccept); err != nil {
		t.Errorf("retry after recovery should settle: %v", err)
	}
}

func TestRespond_ChatProvisioningFailureDoesNotUndoSettlement(t *testing.T) {
	svc, store, chats := newTestService()
	store.addProduct(1, 1, 100, models.ProductAvailable)
	store.addProduct(2, 2, 85, models.ProductAvailable)

	trade, _ := svc.Propose(context.Background(), 1, 1, 2)
	chats.err = errors.New("chat service down")

	res, err := svc.Respond(context.Background(), trade.ID, 2, DecisionAccept)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if res.Status != models.TradeCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.ChatID != 0 {
		t.Errorf("no chat id expected when provisioning failed, got %d", res.ChatID)
	}
}

func TestListUserTrades_MostRecentFirst(t *testing.T) {
	svc, store, _ := newTestService()
	store.addProduct(1, 1, 50, models.ProductAvailable)
	store.addProduct(2, 2, 50, models.ProductAvailable)
	store.addProduct(3, 1, 60, models.ProductAvailable)
	store.addProduct(4, 2, 60, models.ProductAvailable)

	first, _ := svc.Propose(context.Background(), 1, 1, 2)
	second, _ := svc.Propose(context.Background(), 1, 3, 4)

	trades, err := svc.ListUserTrades(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != second.ID || trades[1].ID != first.ID {
		t.Errorf("expected most recent first, got %d then %d", trades[0].ID, trades[1].ID)
	}

	trades, _ = svc.ListUserTrades(context.Background(), 3)
	if len(trades) != 0 {
		t.Errorf("expected no trades for uninvolved user, got %d", len(trades))
	}
}
