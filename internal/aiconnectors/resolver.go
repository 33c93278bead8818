package aiconnectors

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/store"
)

// CompletionClient is the narrow contract the loop depends on. *Connector is
// the production implementation; tests substitute fakes.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, int, error)
	Source() store.ProviderSource
}

// Resolver picks the completion provider for a user: their own configured
// key when present, otherwise the platform-funded default when one is
// configured. Platform-funded completions are metered against user credit
// by the caller.
type Resolver struct {
	store store.Store
	cfg   *config.Config
}

func NewResolver(st store.Store, cfg *config.Config) *Resolver {
	return &Resolver{store: st, cfg: cfg}
}

func (r *Resolver) ResolveForUser(ctx context.Context, userID int64) (CompletionClient, error) {
	pc, err := r.store.GetProviderConfig(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var options ConnectorOptions
	switch {
	case pc != nil:
		options = ConnectorOptions{
			Provider:    Provider(pc.Provider),
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Source:      pc.Source,
		}
	case r.cfg != nil && r.cfg.AI.PlatformAPIKey != "":
		options = ConnectorOptions{
			Provider:    Provider(r.cfg.AI.PlatformProvider),
			APIKey:      r.cfg.AI.PlatformAPIKey,
			Model:       r.cfg.AI.PlatformModel,
			Temperature: r.cfg.AI.Temperature,
			MaxTokens:   r.cfg.AI.MaxTokens,
			Source:      store.SourcePlatform,
		}
	default:
		return nil, ErrNoProvider
	}

	log.Debug().
		Int64("user_id", userID).
		Str("provider", string(options.Provider)).
		Str("source", string(options.Source)).
		Msg("Resolved completion provider")

	return NewConnector(ctx, options)
}
