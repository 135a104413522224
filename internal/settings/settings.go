package settings

import (
	"strconv"
	"strings"
)

const (
	KeyTestMode      = "test_mode"
	KeyTestPublicKey = "test_public_key"
	KeyTestSecretKey = "test_secret_key"
	KeyLivePublicKey = "live_public_key"
	KeyLiveSecretKey = "live_secret_key"
	KeyWebhookSecret = "webhook_secret"

	ModeTest = "test"
	ModeLive = "live"
)

// Settings is an immutable snapshot of the admin options. Handlers read it
// once per request.
type Settings struct {
	TestMode      bool
	TestPublicKey string
	TestSecretKey string
	LivePublicKey string
	LiveSecretKey string
	WebhookSecret string
}

func Defaults() Settings {
	return Settings{TestMode: true}
}

func (s Settings) Mode() string {
	if s.TestMode {
		return ModeTest
	}
	return ModeLive
}

func (s Settings) SecretKey() string {
	if s.TestMode {
		return s.TestSecretKey
	}
	return s.LiveSecretKey
}

func (s Settings) PublicKey() string {
	if s.TestMode {
		return s.TestPublicKey
	}
	return s.LivePublicKey
}

func fromValues(values map[string]string) Settings {
	s := Defaults()
	if raw, ok := values[KeyTestMode]; ok {
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			s.TestMode = v
		}
	}
	s.TestPublicKey = values[KeyTestPublicKey]
	s.TestSecretKey = values[KeyTestSecretKey]
	s.LivePublicKey = values[KeyLivePublicKey]
	s.LiveSecretKey = values[KeyLiveSecretKey]
	s.WebhookSecret = values[KeyWebhookSecret]
	return s
}

// View is the admin-facing representation. Secrets are masked.
type View struct {
	TestMode      bool   `json:"test_mode"`
	Mode          string `json:"mode"`
	TestPublicKey string `json:"test_public_key"`
	TestSecretKey string `json:"test_secret_key"`
	LivePublicKey string `json:"live_public_key"`
	LiveSecretKey string `json:"live_secret_key"`
	WebhookSecret string `json:"webhook_secret"`
}

func (s Settings) View() View {
	return View{
		TestMode:      s.TestMode,
		Mode:          s.Mode(),
		TestPublicKey: s.TestPublicKey,
		TestSecretKey: mask(s.TestSecretKey),
		LivePublicKey: s.LivePublicKey,
		LiveSecretKey: mask(s.LiveSecretKey),
		WebhookSecret: mask(s.WebhookSecret),
	}
}

func mask(secret string) string {
	const visible = 4
	if len(secret) <= visible {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-visible) + secret[len(secret)-visible:]
}
