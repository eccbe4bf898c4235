// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса генерации ditar-ов.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	GenerationAddress string `env:"GENERATION_API_ADDRESS"`
	GenerationAPIKey  string `env:"GENERATION_API_KEY"`
	GenerationModel   string `env:"GENERATION_MODEL"`
	PaymentAddress    string `env:"PAYMENT_API_ADDRESS"`
	PaymentAPIKey     string `env:"PAYMENT_API_KEY"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	AuthSecret        string `env:"AUTH_SECRET"`
	BaseURL           string `env:"BASE_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGenerationAddress := cfg.GenerationAddress
	envPaymentAddress := cfg.PaymentAddress
	envBaseURL := cfg.BaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GenerationAddress, "g", "", "generation provider address")
	flag.StringVar(&cfg.PaymentAddress, "p", "https://api.stripe.com", "payment provider address")
	flag.StringVar(&cfg.BaseURL, "b", "http://localhost:8080", "public base URL for checkout redirects")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGenerationAddress != "" {
		cfg.GenerationAddress = envGenerationAddress
	}
	if envPaymentAddress != "" {
		cfg.PaymentAddress = envPaymentAddress
	}
	if envBaseURL != "" {
		cfg.BaseURL = envBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gpt-4o"
	}

	return cfg, nil
}
