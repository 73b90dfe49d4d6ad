package config

import (
	"github.com/stretchr/testify/assert"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestConfig(t *testing.T) {
	os.Setenv("API_SMTP_HOST", "mail.example.com")
	os.Setenv("API_SMTP_INBOUND_TIMEOUT_READ", "23s")
	os.Setenv("QUEUE_BACKOFF_BASE", "2m")
	os.Setenv("LOG_LEVEL", "4")
	os.Setenv("SENDER_SES_REGION", "eu-west-1")
	defer os.Unsetenv("API_SMTP_INBOUND_TIMEOUT_READ")
	cfg, err := NewConfigFromEnv()
	assert.Nil(t, err)
	assert.Equal(t, "mail.example.com", cfg.Api.Smtp.Host)
	assert.Equal(t, uint16(25), cfg.Api.Smtp.Inbound.Port)
	assert.Equal(t, uint16(587), cfg.Api.Smtp.Outbound.Port)
	assert.Equal(t, uint32(25*1024*1024), cfg.Api.Smtp.Inbound.Data.Limit)
	assert.Equal(t, uint32(10*1024*1024), cfg.Api.Smtp.Outbound.Data.Limit)
	assert.Equal(t, 23*time.Second, cfg.Api.Smtp.Inbound.Timeout.Read)
	assert.Equal(t, time.Minute, cfg.Api.Smtp.Outbound.Timeout.Read)
	assert.Equal(t, 2*time.Minute, cfg.Queue.Backoff.Base)
	assert.Equal(t, uint16(5), cfg.Queue.Attempts)
	assert.Equal(t, "trust", cfg.Api.Smtp.Inbound.PrivatePolicy)
	assert.Equal(t, 0.6, cfg.Reputation.SpamFraction)
	assert.Equal(t, "eu-west-1", cfg.Sender.Providers.Ses.Region)
	assert.Equal(t, slog.LevelWarn, slog.Level(cfg.Log.Level))
}
