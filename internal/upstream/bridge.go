package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"oidc-server/internal/metrics"
	"oidc-server/internal/models"
	"oidc-server/internal/store"
	"oidc-server/internal/utils"
	"oidc-server/pkg/config"
)

// Bridge runs upstream authorization code flows bound to suspended interactions
type Bridge struct {
	providers map[string]*Provider
	order     []string
	states    *store.UpstreamStateStore
	logger    *logrus.Logger
	now       func() time.Time
}

// NewBridge creates a provider per configured upstream
func NewBridge(cfgs []config.UpstreamProviderConfig, states *store.UpstreamStateStore, client *http.Client, logger *logrus.Logger, mc *metrics.MetricsCollector) *Bridge {
	b := &Bridge{
		providers: make(map[string]*Provider, len(cfgs)),
		states:    states,
		logger:    logger,
		now:       time.Now,
	}
	for _, cfg := range cfgs {
		b.providers[cfg.Name] = NewProvider(cfg, client, logger, mc)
		b.order = append(b.order, cfg.Name)
	}
	return b
}

// Providers returns the configured providers in configuration order
func (b *Bridge) Providers() []*Provider {
	out := make([]*Provider, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.providers[name])
	}
	return out
}

// Provider looks up a provider by name
func (b *Bridge) Provider(name string) (*Provider, error) {
	p, ok := b.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Begin returns the upstream authorization URL for a suspended interaction
func (b *Bridge) Begin(ctx context.Context, providerName, interactionID string) (string, error) {
	p, err := b.Provider(providerName)
	if err != nil {
		return "", err
	}
	d, err := p.discover(ctx)
	if err != nil {
		return "", err
	}

	state, err := utils.GenerateState()
	if err != nil {
		return "", err
	}
	nonce, err := utils.GenerateNonce()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	if err := b.states.Save(ctx, state, &models.UpstreamState{
		Provider:      providerName,
		InteractionID: interactionID,
		Nonce:         nonce,
		CodeVerifier:  verifier,
		CreatedAt:     b.now(),
	}); err != nil {
		return "", fmt.Errorf("failed to store upstream state: %w", err)
	}

	b.logger.Printf("🔑 Starting upstream login via %s", providerName)
	return p.oauth2Config(d).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce)), nil
}

// Complete finishes an upstream callback. It returns the translated identity
// and the interaction the login belongs to.
func (b *Bridge) Complete(ctx context.Context, providerName, code, state string) (*Identity, string, error) {
	st, err := b.states.Take(ctx, state)
	if err != nil {
		return nil, "", err
	}
	if st.Provider != providerName {
		return nil, "", store.ErrUnknownState
	}
	p, err := b.Provider(providerName)
	if err != nil {
		return nil, "", err
	}
	d, err := p.discover(ctx)
	if err != nil {
		return nil, st.InteractionID, err
	}

	token, err := p.oauth2Config(d).Exchange(oidc.ClientContext(ctx, p.client), code, oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		return nil, st.InteractionID, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, st.InteractionID, fmt.Errorf("%w: no id_token in token response", ErrTranslation)
	}

	identity, err := p.Translate(ctx, rawIDToken, st.Nonce)
	if err != nil {
		return nil, st.InteractionID, err
	}
	b.logger.Printf("✅ Upstream %s authenticated %s", providerName, identity.Subject)
	return identity, st.InteractionID, nil
}

// Abandon consumes the state of an upstream login the provider refused
func (b *Bridge) Abandon(ctx context.Context, state string) (*models.UpstreamState, error) {
	return b.states.Take(ctx, state)
}
