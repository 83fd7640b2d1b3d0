package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/crewhost/pkg/redact"
	"github.com/3leaps/crewhost/pkg/settings"
)

// Store combines a primary Backend with the encrypted settings fallback.
// Either tier may be nil; a nil tier counts as unavailable.
type Store struct {
	primary   Backend
	settings  settings.Store
	encrypter Encrypter
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for fallback and migration events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp fallback entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store that writes to primary and falls back to encrypted
// entries in the settings store. A nil primary or encrypter disables that tier.
func New(primary Backend, fallback settings.Store, encrypter Encrypter, opts ...Option) *Store {
	s := &Store{
		primary:   primary,
		settings:  fallback,
		encrypter: encrypter,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errNotConfigured = errors.New("not configured")

func (s *Store) fallbackReady() bool {
	return s.settings != nil && s.encrypter != nil
}

// Put stores value as the identity's current secret.
func (s *Store) Put(ctx context.Context, identity, value string) error {
	id := settings.NormalizeIdentity(identity)
	if id == "" {
		return errors.New("identity is required")
	}
	if value == "" {
		return errors.New("secret value is required")
	}
	log := s.logger.With(zap.String("identity", redact.MaskIdentity(id)))

	primaryErr := errNotConfigured
	if s.primary != nil {
		primaryErr = s.primary.Put(ctx, SecretName(id), value)
		if primaryErr == nil {
			s.clearFallback(ctx, id, log)
			return nil
		}
		log.Warn("primary secret write failed, using fallback", zap.Error(primaryErr))
	}

	fallbackErr := s.putFallback(ctx, id, value)
	if fallbackErr == nil {
		return nil
	}
	log.Error("secret write failed on all paths", zap.Error(fallbackErr))
	return &BackendError{Op: "put", Primary: primaryErr, Fallback: fallbackErr}
}

func (s *Store) putFallback(ctx context.Context, id, value string) error {
	if !s.fallbackReady() {
		return errNotConfigured
	}
	ciphertext, err := s.encrypter.Encrypt(ctx, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	now := s.now().UTC()
	_, err = s.settings.Merge(ctx, id, settings.Patch{
		SecretCiphertext: settings.String(ciphertext),
		SecretKeyRef:     settings.String(s.encrypter.KeyRef()),
		SecretUpdatedAt:  &now,
	})
	if err != nil {
		return fmt.Errorf("store ciphertext: %w", err)
	}
	return nil
}

// clearFallback drops a stale ciphertext once the primary holds the newest
// value. Failures leave the timestamp comparison in Get to pick the winner.
func (s *Store) clearFallback(ctx context.Context, id string, log *zap.Logger) {
	if s.settings == nil {
		return
	}
	rec, err := s.settings.Get(ctx, id)
	if err != nil || !rec.HasFallbackSecret() {
		return
	}
	if _, err := s.settings.Merge(ctx, id, settings.Patch{ClearSecret: true}); err != nil {
		log.Debug("clear fallback secret failed", zap.Error(err))
	}
}

// Get returns the identity's current secret. It returns ErrAbsent only when
// every reachable path reported no secret, and a *BackendError wrapping
// ErrUnavailable when a path failed and none produced a value.
func (s *Store) Get(ctx context.Context, identity string) (string, error) {
	id := settings.NormalizeIdentity(identity)
	if id == "" {
		return "", ErrAbsent
	}
	log := s.logger.With(zap.String("identity", redact.MaskIdentity(id)))

	var (
		primary    *Version
		primaryErr error
	)
	if s.primary != nil {
		v, err := s.primary.Get(ctx, SecretName(id))
		switch {
		case err == nil && v.Value != "":
			primary = &v
		case err == nil, errors.Is(err, ErrAbsent):
		default:
			primaryErr = err
			log.Warn("primary secret read failed, using fallback", zap.Error(err))
		}
	}

	fallback, fallbackAt, fallbackErr := s.getFallback(ctx, id)

	switch {
	case primary != nil && fallback != "":
		if fallbackAt.After(primary.CreatedAt) {
			return fallback, nil
		}
		return primary.Value, nil
	case primary != nil:
		return primary.Value, nil
	case fallback != "":
		return fallback, nil
	case primaryErr != nil || fallbackErr != nil:
		return "", &BackendError{Op: "get", Primary: primaryErr, Fallback: fallbackErr}
	default:
		return "", ErrAbsent
	}
}

func (s *Store) getFallback(ctx context.Context, id string) (string, time.Time, error) {
	if s.settings == nil {
		return "", time.Time{}, nil
	}
	rec, err := s.settings.Get(ctx, id)
	if errors.Is(err, settings.ErrNotFound) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !rec.HasFallbackSecret() {
		return "", time.Time{}, nil
	}
	if s.encrypter == nil {
		return "", time.Time{}, fmt.Errorf("decrypt: encrypter %w", errNotConfigured)
	}
	plaintext, err := s.encrypter.Decrypt(ctx, rec.SecretKeyRef, rec.SecretCiphertext)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decrypt: %w", err)
	}
	var at time.Time
	if rec.SecretUpdatedAt != nil {
		at = *rec.SecretUpdatedAt
	}
	return string(plaintext), at, nil
}

// Has reports whether a secret is retrievable. Backend failures read as false.
func (s *Store) Has(ctx context.Context, identity string) bool {
	v, err := s.Get(ctx, identity)
	return err == nil && v != ""
}

// CheckHealth reports an error only when no storage path is usable.
func (s *Store) CheckHealth(ctx context.Context) error {
	var primaryErr error = errNotConfigured
	if s.primary != nil {
		primaryErr = s.primary.Ping(ctx)
		if primaryErr == nil {
			return nil
		}
	}
	fallbackErr := errNotConfigured
	if s.fallbackReady() {
		fallbackErr = s.settings.Ping(ctx)
		if fallbackErr == nil {
			return nil
		}
	}
	if s.primary == nil && !s.fallbackReady() {
		return nil
	}
	return &BackendError{Op: "ping", Primary: primaryErr, Fallback: fallbackErr}
}

// Describe summarizes the configured tiers for diagnostics.
func (s *Store) Describe() string {
	parts := make([]string, 0, 2)
	if s.primary != nil {
		parts = append(parts, "primary")
	}
	if s.fallbackReady() {
		parts = append(parts, "fallback("+s.encrypter.KeyRef()+")")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}
