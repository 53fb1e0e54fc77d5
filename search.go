package vecfs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/grepd/vecfs/embedding"
	"github.com/grepd/vecfs/quantize"
)

// Search embeds queryText with the given provider and returns up to limit
// points ranked by exact similarity, most similar first.
//
// Candidate generation is approximate: only points whose bucket digest
// shares a prefix with the query digest are loaded. When a prefix round
// yields fewer than limit candidates, the prefix is shortened two hex
// characters at a time (one path level or part of one) until enough
// candidates surface or the configured minimum prefix is reached. The final
// ranking is exact, computed on original vectors.
func (s *Store) Search(ctx context.Context, queryText string, provider embedding.Provider, collectionName string, limit int) ([]ScoredPoint, error) {
	start := time.Now()

	results, err := s.search(ctx, queryText, provider, collectionName, limit)
	s.opts.metrics.RecordSearch(limit, time.Since(start), err)
	return results, err
}

func (s *Store) search(ctx context.Context, queryText string, provider embedding.Provider, collectionName string, limit int) ([]ScoredPoint, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	c, err := s.openCol(collectionName)
	if err != nil {
		return nil, err
	}

	size, err := c.VectorSize()
	if err != nil {
		return nil, translateError(err)
	}

	query, err := provider.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(query) != size {
		return nil, &ErrDimensionMismatch{Expected: size, Actual: len(query)}
	}

	matrix, err := s.matrixFor(collectionName, c)
	if err != nil {
		return nil, err
	}
	digest, err := s.quant.Digest(query, matrix)
	if err != nil {
		return nil, translateError(err)
	}

	candidates, err := s.gatherCandidates(ctx, c, digest, limit)
	if err != nil {
		return nil, translateError(err)
	}

	scored := make([]ScoredPoint, 0, len(candidates))
	for _, p := range candidates {
		if len(p.Vector) != size {
			s.opts.logger.WarnContext(ctx, "skipping point with unexpected vector size",
				"collection", collectionName, "id", p.ID, "size", len(p.Vector))
			continue
		}
		scored = append(scored, ScoredPoint{Point: p, Score: s.simFn(query, p.Vector)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// gatherCandidates loads bucket candidates for the query digest, widening
// the prefix until at least limit points are found or the minimum prefix
// length is hit. The widest round's result is returned as-is; exact ranking
// happens upstream.
func (s *Store) gatherCandidates(ctx context.Context, c candidateSource, digest string, limit int) ([]Point, error) {
	prefix := s.opts.prefixLen
	if prefix > len(digest) {
		prefix = len(digest)
	}

	for {
		candidates, err := c.CandidatesByPrefix(ctx, digest[:prefix])
		if err != nil {
			return nil, err
		}
		if len(candidates) >= limit || prefix <= s.opts.minPrefixLen {
			return candidates, nil
		}

		prefix -= quantize.PathSegmentLen
		if prefix < s.opts.minPrefixLen {
			prefix = s.opts.minPrefixLen
		}
	}
}

type candidateSource interface {
	CandidatesByPrefix(ctx context.Context, prefix string) ([]Point, error)
}
