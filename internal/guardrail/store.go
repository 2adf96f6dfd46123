package guardrail

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// Source yields the raw policy document.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// FileSource reads the policy document from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read pricing policy file")
	}
	return b, nil
}

// StaticSource serves a fixed document.
type StaticSource []byte

func (s StaticSource) Load(ctx context.Context) ([]byte, error) {
	return s, nil
}

// Store caches the active policy. Reads never block; the cached policy only
// changes through Reload.
type Store struct {
	source  Source
	current atomic.Pointer[Policy]
	log     *logger.Logger
}

// NewStore loads the initial policy from source.
func NewStore(ctx context.Context, source Source, log *logger.Logger) (*Store, error) {
	s := &Store{source: source, log: log}
	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already-built policy.
func NewStaticStore(p *Policy) *Store {
	s := &Store{log: logger.Nop()}
	s.current.Store(p)
	return s
}

// Current returns the cached policy.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload fetches and validates the policy again. On any failure the previous
// policy stays active.
func (s *Store) Reload(ctx context.Context) (*Policy, error) {
	if s.source == nil {
		return s.Current(), nil
	}

	doc, err := s.source.Load(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load pricing policy; keeping previous policy")
		return nil, err
	}

	p, err := ParsePolicy(doc)
	if err != nil {
		s.log.Error().Err(err).Msg("Rejected pricing policy; keeping previous policy")
		return nil, err
	}

	s.current.Store(p)
	s.log.Info().
		Int("max_terms_days", p.PaymentTermsGuardrails.MaxTermsDays).
		Str("price_floor", p.PriceFloor.MinAmount.String()).
		Msg("Pricing policy loaded")
	return p, nil
}
