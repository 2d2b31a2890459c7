package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"sinmail/backend/internal/auth"
	"sinmail/backend/internal/config"
	"sinmail/backend/internal/storage/hybrid"
)

func main() {
	if len(os.Args) < 5 {
		fmt.Println("Usage: create-recipient <slug> <email> <password> <wallet-address> [price-usd]")
		os.Exit(1)
	}

	slug := os.Args[1]
	email := os.Args[2]
	password := os.Args[3]
	wallet := os.Args[4]
	price := ""
	if len(os.Args) >= 6 {
		price = os.Args[5]
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("Database is not configured (set SINMAIL_DATABASE_TYPE and SINMAIL_DATABASE_DSN)")
		os.Exit(1)
	}

	// 连接存储（直连数据库，不挂缓存）
	store, err := hybrid.NewStore(&cfg.Database, nil, zap.NewNop())
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	authService := auth.NewService(store, &cfg.JWT)

	resp, err := authService.Register(context.Background(), auth.RegisterInput{
		Slug:            slug,
		Email:           email,
		Password:        password,
		WalletAddress:   wallet,
		DefaultPriceUSD: price,
	})
	if err != nil {
		fmt.Printf("Failed to create recipient: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Recipient created successfully!\n")
	fmt.Printf("  ID:     %s\n", resp.Recipient.ID)
	fmt.Printf("  Slug:   %s\n", resp.Recipient.Slug)
	fmt.Printf("  Email:  %s\n", resp.Recipient.Email)
	fmt.Printf("  Price:  $%s per message\n", resp.Recipient.DefaultPriceUSD)
	fmt.Printf("\nSubmission link: POST /v1/messages with recipientSlug=%q\n", resp.Recipient.Slug)
}
