package tokenbroker_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/tokenbroker"
)

type fakeRequester struct {
	calls  int
	tokens []string
}

func (f *fakeRequester) ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error) {
	f.calls++
	tok := "token-default"
	if len(f.tokens) >= f.calls {
		tok = f.tokens[f.calls-1]
	}
	return map[string]any{"token": tok}, nil
}

func TestTokenReusedWithinUseBudget(t *testing.T) {
	req := &fakeRequester{tokens: []string{"tok-1", "tok-2"}}
	clock := clockwork.NewFakeClock()
	b, err := tokenbroker.New(tokenbroker.Config{
		Requester: req,
		Clock:     clock,
		Auth:      config.Auth{AuthURL: "https://esri.example/token", Username: "u", Password: "p"},
		MaxUses:   3,
		Logger:    logger.New(true),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := b.Token(ctx)
		require.NoError(t, err)
		require.Equal(t, "tok-1", tok)
	}
	require.Equal(t, 1, req.calls)

	// Fourth call exhausts the budget and triggers a refresh.
	tok, err := b.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.Equal(t, 2, req.calls)
}

func TestTokenRefreshesAfterLifetimeExpires(t *testing.T) {
	req := &fakeRequester{tokens: []string{"tok-1", "tok-2"}}
	clock := clockwork.NewFakeClock()
	b, err := tokenbroker.New(tokenbroker.Config{
		Requester: req,
		Clock:     clock,
		Auth:      config.Auth{AuthURL: "https://esri.example/token", Username: "u", Password: "p"},
		MaxUses:   10,
		Lifetime:  time.Minute,
		Logger:    logger.New(true),
	})
	require.NoError(t, err)

	ctx := context.Background()
	tok, err := b.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	clock.Advance(2 * time.Minute)

	tok, err = b.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.Equal(t, 2, req.calls)
}

func TestForceRefreshAlwaysFetches(t *testing.T) {
	req := &fakeRequester{tokens: []string{"tok-1", "tok-2"}}
	b, err := tokenbroker.New(tokenbroker.Config{
		Requester: req,
		Auth:      config.Auth{AuthURL: "https://esri.example/token", Username: "u", Password: "p"},
		Logger:    logger.New(true),
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Token(ctx)
	require.NoError(t, err)

	tok, err := b.ForceRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.Equal(t, 2, req.calls)
}
