package settings

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"payment-form-service/internal/apperr"
)

type Repository interface {
	All(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
}

// Update is a partial change of the admin options. Nil fields are left as
// they are; an empty string clears a key.
type Update struct {
	TestMode      *bool   `json:"test_mode"`
	TestPublicKey *string `json:"test_public_key"`
	TestSecretKey *string `json:"test_secret_key"`
	LivePublicKey *string `json:"live_public_key"`
	LiveSecretKey *string `json:"live_secret_key"`
	WebhookSecret *string `json:"webhook_secret"`
}

var keyRules = map[string]string{
	KeyTestPublicKey: "startswith=pk_test_",
	KeyTestSecretKey: "startswith=sk_test_|startswith=rk_test_",
	KeyLivePublicKey: "startswith=pk_live_",
	KeyLiveSecretKey: "startswith=sk_live_|startswith=rk_live_",
	KeyWebhookSecret: "startswith=whsec_",
}

var validate = validator.New()

func (u Update) values() (map[string]string, error) {
	values := make(map[string]string)
	if u.TestMode != nil {
		values[KeyTestMode] = strconv.FormatBool(*u.TestMode)
	}

	keys := map[string]*string{
		KeyTestPublicKey: u.TestPublicKey,
		KeyTestSecretKey: u.TestSecretKey,
		KeyLivePublicKey: u.LivePublicKey,
		KeyLiveSecretKey: u.LiveSecretKey,
		KeyWebhookSecret: u.WebhookSecret,
	}
	for key, value := range keys {
		if value == nil {
			continue
		}
		if *value != "" {
			if err := validate.Var(*value, keyRules[key]); err != nil {
				return nil, errors.Errorf("%s has an unexpected format", key)
			}
		}
		values[key] = *value
	}
	return values, nil
}

// Store holds the current settings snapshot and swaps it atomically on reload.
type Store struct {
	repo    Repository
	logger  *slog.Logger
	current atomic.Pointer[Settings]
}

func NewStore(repo Repository, logger *slog.Logger) *Store {
	s := &Store{repo: repo, logger: logger}
	defaults := Defaults()
	s.current.Store(&defaults)
	return s
}

func (s *Store) Current() Settings {
	return *s.current.Load()
}

func (s *Store) Reload(ctx context.Context) error {
	values, err := s.repo.All(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}

	snapshot := fromValues(values)
	s.current.Store(&snapshot)
	s.logger.InfoContext(ctx, "Settings loaded", "mode", snapshot.Mode())
	return nil
}

func (s *Store) Save(ctx context.Context, update Update) (Settings, error) {
	values, err := update.values()
	if err != nil {
		return Settings{}, apperr.Validation(err.Error())
	}
	if len(values) > 0 {
		if err := s.repo.Save(ctx, values); err != nil {
			return Settings{}, apperr.Persistence(err, "Failed to save settings")
		}
	}
	if err := s.Reload(ctx); err != nil {
		return Settings{}, apperr.Persistence(err, "Failed to reload settings")
	}
	return s.Current(), nil
}

// WatchReload reloads the snapshot on every signal received until ctx is done.
func (s *Store) WatchReload(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			s.logger.InfoContext(ctx, "Reloading settings", "signal", sig.String())
			if err := s.Reload(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Error reloading settings", "error", err)
			}
		}
	}
}
