package strategycache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Warm requests every URL through the cache so that routed responses get stored.
// At most limit requests run at once (unbounded if limit <= 0).
// The first failure cancels the remaining requests and is returned.
func (s *StrategyCache) Warm(ctx context.Context, urls []string, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, u := range urls {
		u := u
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("warming %s: %w", u, err)
			}
			res, cs, err := s.Handle(ctx, req)
			if err != nil {
				return fmt.Errorf("warming %s: %w", u, err)
			}
			if res.Body != nil {
				defer res.Body.Close()
				if _, err := io.Copy(io.Discard, res.Body); err != nil {
					return fmt.Errorf("warming %s: %w", u, err)
				}
			}
			s.log.Trace().Str("url", u).Str("cacheStatus", cs.String()).Msg("Warmed")
			return nil
		})
	}
	return g.Wait()
}
