package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/truekit/truekit/internal/config"
	"github.com/truekit/truekit/internal/db"
	"github.com/truekit/truekit/internal/models"

	"go.uber.org/zap"
)

// Seed the database with the demo users and products
func main() {
	ctx := context.Background()

	logger := zap.Must(zap.NewDevelopment())
	defer logger.Sync()
	cfg := config.Load(logger.Sugar())

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip seeding if users already exist.
	var count int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d users. No need to seed.\n", count)
		os.Exit(0)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	ana, err := database.CreateUser(ctx, "Ana", "ana@truekit.com", string(passwordHash), "Montequinto")
	if err != nil {
		log.Fatalf("Failed to create Ana: %v", err)
	}
	carlos, err := database.CreateUser(ctx, "Carlos", "carlos@truekit.com", string(passwordHash), "Dos Hermanas")
	if err != nil {
		log.Fatalf("Failed to create Carlos: %v", err)
	}

	products := []models.Product{
		{
			OwnerID:     ana.ID,
			Name:        "Guitarra Acústica",
			Description: "Casi nueva, cuerdas recién cambiadas.",
			Value:       80,
			Category:    "Instrumentos",
			ImageURL:    "https://images.unsplash.com/photo-1550291652-6ea9114a47b1?w=500",
		},
		{
			OwnerID:     ana.ID,
			Name:        "Clase de Programación en Python",
			Description: "1 hora de clase particular para principiantes.",
			Value:       25,
			Category:    "Servicios",
			ImageURL:    "https://images.unsplash.com/photo-1555066931-4365d14bab8c?w=500",
		},
		{
			OwnerID:     carlos.ID,
			Name:        "Bicicleta de Montaña",
			Description: "Usada pero en buen estado, perfecta para paseos.",
			Value:       100,
			Category:    "Deporte",
			ImageURL:    "https://images.unsplash.com/photo-1532298229144-0ec0c57515c7?w=500",
		},
		{
			OwnerID:     carlos.ID,
			Name:        "Cesta de Verduras Ecológicas",
			Description: "Verduras de temporada de mi huerto.",
			Value:       20,
			Category:    "Alimentación",
			ImageURL:    "https://images.unsplash.com/photo-1542838132-92c53300491e?w=500",
		},
	}

	for _, p := range products {
		created, err := database.CreateProduct(ctx, &p)
		if err != nil {
			log.Fatalf("Failed to create product %q: %v", p.Name, err)
		}
		fmt.Printf("Created product %d: %s (%d credits)\n", created.ID, created.Name, created.Value)
	}

	fmt.Println("Seeding complete.")
}
