package main

import (
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// appConfig конфигурация процесса из окружения. Файл .env
// подхватывается автоматически, если существует.
type appConfig struct {
	// TransportURI адрес сигнального сервера, например "wss://sip.example.com:7443"
	TransportURI string `env:"WEBPHONE_TRANSPORT_URI"`
	// IdentityURI SIP адрес пользователя
	IdentityURI string `env:"WEBPHONE_IDENTITY_URI"`
	// DisplayName отображаемое имя
	DisplayName string `env:"WEBPHONE_DISPLAY_NAME"`
	// Secret пароль для digest-аутентификации
	Secret string `env:"WEBPHONE_SECRET"`
	// ListenAddr локальный адрес SIP транспорта
	ListenAddr string `env:"WEBPHONE_LISTEN_ADDR" envDefault:"127.0.0.1:5060"`
	// MetricsAddr адрес HTTP эндпоинта /metrics, пустой - метрики выключены
	MetricsAddr string `env:"WEBPHONE_METRICS_ADDR"`
	// LogLevel уровень журнала: debug, info, warn, error
	LogLevel string `env:"WEBPHONE_LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (appConfig, error) {
	var cfg appConfig

	if envFile := os.Getenv("WEBPHONE_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return cfg, errors.Wrapf(err, "failed to load env file %q", envFile)
		}
	} else {
		// .env рядом с бинарником опционален
		_ = godotenv.Load()
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse environment")
	}
	return cfg, nil
}

func (c appConfig) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
