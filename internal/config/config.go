// Package config содержит логику чтения конфигурации платёжного сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платёжного сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	JWTSecret   string `env:"JWT_SECRET"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL"`
	PortalReturnURL     string `env:"PORTAL_RETURN_URL"`
	BasicPriceID        string `env:"BASIC_PRICE_ID"`
	FeaturedPriceID     string `env:"FEATURED_PRICE_ID"`
	Currency            string `env:"CURRENCY"`

	AMQPURL     string `env:"AMQP_URL"`
	NotifyQueue string `env:"NOTIFY_QUEUE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.NotifyQueue == "" {
		cfg.NotifyQueue = "payments.notifications"
	}

	return cfg, nil
}
