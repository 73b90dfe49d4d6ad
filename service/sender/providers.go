package sender

import (
	"context"
	"fmt"
	"github.com/postkit/mta/config"
	"github.com/postkit/mta/model"
	"gopkg.in/yaml.v3"
	"os"
)

// Providers builds the well-known provider transports in fallback order, skipping those without credentials.
func Providers(ctx context.Context, cfg config.ProvidersConfig, pool *Pool) (ts []Transport, err error) {
	if cfg.SendGrid.ApiKey != "" {
		ts = append(ts, NewSmtpTransport("sendgrid", model.SmtpConfig{
			Host:     "smtp.sendgrid.net",
			Port:     587,
			Username: "apikey",
			Password: cfg.SendGrid.ApiKey,
			Tls:      model.TlsStartTls,
		}, pool))
	}
	if cfg.Mailgun.Username != "" && cfg.Mailgun.Password != "" {
		host := "smtp.mailgun.org"
		if cfg.Mailgun.Region == "eu" {
			host = "smtp.eu.mailgun.org"
		}
		ts = append(ts, NewSmtpTransport("mailgun", model.SmtpConfig{
			Host:     host,
			Port:     587,
			Username: cfg.Mailgun.Username,
			Password: cfg.Mailgun.Password,
			Tls:      model.TlsStartTls,
		}, pool))
	}
	if cfg.Ses.Region != "" && cfg.Ses.AccessKeyId != "" && cfg.Ses.SecretAccessKey != "" {
		var t Transport
		t, err = NewSesTransport(ctx, cfg.Ses.Region, cfg.Ses.AccessKeyId, cfg.Ses.SecretAccessKey)
		if err != nil {
			err = fmt.Errorf("failed to initialize the ses provider: %w", err)
			return
		}
		ts = append(ts, t)
	}
	if cfg.Postmark.Token != "" {
		ts = append(ts, NewSmtpTransport("postmark", model.SmtpConfig{
			Host:     "smtp.postmarkapp.com",
			Port:     587,
			Username: cfg.Postmark.Token,
			Password: cfg.Postmark.Token,
			Tls:      model.TlsStartTls,
		}, pool))
	}
	return
}

// LoadProvidersFile overlays the credentials from a YAML file over the environment ones.
func LoadProvidersFile(path string, cfg *config.ProvidersConfig) (err error) {
	var data []byte
	data, err = os.ReadFile(path)
	if err == nil {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		err = fmt.Errorf("failed to load the providers file %s: %w", path, err)
	}
	return
}
