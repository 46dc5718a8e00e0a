package rollout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/skuldlabs/skuld/internal/engine"
	"github.com/skuldlabs/skuld/internal/store"
)

// EvaluateFlag answers "is this feature on for this user, and which
// variant". Flag reads go through the configured reader so the hot path
// can be served from cache; override and ancestor reads hit the store.
// A missing flag is not an error here, it is a fail-safe disabled decision.
func (s *Service) EvaluateFlag(ctx context.Context, featureName string, user engine.UserContext) (engine.Decision, error) {
	now := s.now()

	var override *store.Override
	if user.UserID != "" {
		o, err := s.store.GetOverride(ctx, user.UserID, featureName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return engine.Decision{}, err
		}
		override = o
	}

	flag, err := s.reader.GetFlag(ctx, featureName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.evaluator.Evaluate(nil, nil, override, user, now), nil
		}
		return engine.Decision{}, err
	}

	ancestors, err := s.ancestorChain(ctx, flag)
	if err != nil {
		return engine.Decision{}, err
	}

	decision := s.evaluator.Evaluate(flag, ancestors, override, user, now)
	s.logger.Debug("flag evaluated",
		slog.String("feature_name", featureName),
		slog.String("user_id", user.UserID),
		slog.Bool("enabled", decision.Enabled),
		slog.String("reason", decision.Reason),
	)
	return decision, nil
}

// ancestorChain collects the parents of a flag from nearest to furthest.
// The walk stops quietly at a dangling parent reference and caps its depth
// so a corrupted chain cannot loop.
func (s *Service) ancestorChain(ctx context.Context, flag *store.Flag) ([]*store.Flag, error) {
	if flag.ParentID == nil {
		return nil, nil
	}

	seen := map[int64]struct{}{flag.ID: {}}
	var chain []*store.Flag
	current := flag
	for current.ParentID != nil && len(chain) < maxAncestorDepth {
		parent, err := s.store.GetFlagByID(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return nil, err
		}
		if _, dup := seen[parent.ID]; dup {
			s.logger.Warn("flag hierarchy contains a cycle",
				slog.String("feature_name", flag.FeatureName),
				slog.Int64("parent_id", parent.ID),
			)
			break
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}
