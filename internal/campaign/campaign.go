package campaign

import (
	"context"
	"fmt"

	"github.com/truekit/truekit/internal/db"
	"github.com/truekit/truekit/internal/models"
)

// Campaign describes a donation campaign. Badge is the insignia awarded to
// donors, empty if the campaign grants none.
type Campaign struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Badge       string `json:"-"`
}

// The campaign catalog is static for now.
var catalog = map[string]Campaign{
	"bioalverde": {
		Name:        "Donación a BIOAlverde",
		Description: "Colabora con este proyecto de inserción sociolaboral de Cáritas Sevilla. Tu donación en Truecréditos apoya la agricultura ecológica y la inclusión social en Montequinto. Recibirás una insignia especial.",
		Badge:       "bio-colaborador",
	},
	"tree": {
		Name:        "Campaña 'Planta un Árbol'",
		Description: "Usa tus Truecréditos para apoyar la reforestación 'Sembrando Futuro en la Dehesa' en Dos Hermanas. Contribuye a la biodiversidad local y a la lucha contra el cambio climático.",
		Badge:       "eco-heroe",
	},
}

// Service handles campaign donations
type Service struct {
	db *db.DB
}

// NewService creates a campaign service
func NewService(database *db.DB) *Service {
	return &Service{db: database}
}

// Catalog returns the available campaigns keyed by id
func (s *Service) Catalog() map[string]Campaign {
	return catalog
}

// Donate transfers credits from the user to a campaign and awards its badge
// once per user. The debit, donation record and badge land in one
// transaction.
func (s *Service) Donate(ctx context.Context, userID int, campaignID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("donation must be positive")
	}
	c, ok := catalog[campaignID]
	if !ok {
		return fmt.Errorf("unknown campaign %q: %w", campaignID, models.ErrNotFound)
	}
	return s.db.Donate(ctx, userID, campaignID, amount, c.Badge)
}
