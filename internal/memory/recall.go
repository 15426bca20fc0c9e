package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// RecallOptions tunes the merge of full-text and vector results.
type RecallOptions struct {
	K             int
	FTSWeight     float64
	VectorWeight  float64
	DecayDays     float64
	MaxBlockRunes int
}

// DefaultRecallOptions returns the standard weights.
func DefaultRecallOptions() RecallOptions {
	return RecallOptions{K: 6, FTSWeight: 0.4, VectorWeight: 0.6, DecayDays: 30, MaxBlockRunes: 4000}
}

type recallHit struct {
	id        int64
	path      string
	text      string
	updatedTS int64
	fts       float64
	vector    float64
}

// Recall retrieves the k most relevant workspace chunks for query, running
// the full-text and vector searches in parallel and merging them with a
// weighted, time-decayed score. The returned block carries
// "[Memory loaded: ...]" and "[Dropped: ...]" footers that downstream
// synthesis preserves.
func (s *Store) Recall(ctx context.Context, query string, embedder schema.Embedder, opts RecallOptions) (string, error) {
	if opts.K <= 0 {
		opts.K = 6
	}
	if opts.DecayDays <= 0 {
		opts.DecayDays = 30
	}

	hits := map[int64]*recallHit{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.ftsSearch(gctx, query, opts.K*4)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, r := range rows {
			if h, ok := hits[r.id]; ok {
				h.fts = r.fts
			} else {
				hits[r.id] = r
			}
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.vectorSearch(gctx, query, embedder, opts.K*4)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, r := range rows {
			if h, ok := hits[r.id]; ok {
				h.vector = r.vector
			} else {
				hits[r.id] = r
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	if len(hits) == 0 {
		return "", nil
	}

	type scored struct {
		hit   *recallHit
		score float64
	}
	now := time.Now().Unix()
	all := make([]scored, 0, len(hits))
	for _, h := range hits {
		base := opts.FTSWeight*h.fts + opts.VectorWeight*h.vector
		ageDays := float64(now-h.updatedTS) / 86400
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Exp(-ageDays / opts.DecayDays)
		all = append(all, scored{hit: h, score: base * decay})
	}
	// Deterministic order: score descending, newer wins ties, then id.
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		if all[i].hit.updatedTS != all[j].hit.updatedTS {
			return all[i].hit.updatedTS > all[j].hit.updatedTS
		}
		return all[i].hit.id < all[j].hit.id
	})

	kept := all
	if len(kept) > opts.K {
		kept = kept[:opts.K]
	}
	dropped := len(all) - len(kept)

	var b strings.Builder
	var loaded []string
	runes := 0
	used := 0
	for _, sc := range kept {
		snippet := fmt.Sprintf("--- %s#%d ---\n%s\n", sc.hit.path, sc.hit.id, sc.hit.text)
		n := len([]rune(snippet))
		if opts.MaxBlockRunes > 0 && runes+n > opts.MaxBlockRunes && used > 0 {
			dropped++
			continue
		}
		b.WriteString(snippet)
		runes += n
		used++
		loaded = append(loaded, sc.hit.path)
	}
	if used == 0 {
		return "", nil
	}

	b.WriteString(fmt.Sprintf("[Memory loaded: %s]\n", strings.Join(dedupe(loaded), ", ")))
	b.WriteString(fmt.Sprintf("[Dropped: %d lower-scored snippets]\n", dropped))
	return b.String(), nil
}

func (s *Store) ftsSearch(ctx context.Context, query string, limit int) ([]*recallHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.path, c.text, c.updated_ts, bm25(chunks_fts)
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?`,
		ftsQuote(query), limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []*recallHit
	for rows.Next() {
		h := &recallHit{}
		var rank float64
		if err := rows.Scan(&h.id, &h.path, &h.text, &h.updatedTS, &rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		// bm25 is lower-is-better; fold into (0, 1].
		h.fts = 1.0 / (1.0 + math.Max(rank, 0))
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) vectorSearch(ctx context.Context, query string, embedder schema.Embedder, limit int) ([]*recallHit, error) {
	if embedder == nil {
		return nil, nil
	}
	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
	}
	qvec := vecs[0]

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, text, updated_ts, embedding
		FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("load chunk embeddings: %w", err)
	}
	defer rows.Close()

	var out []*recallHit
	for rows.Next() {
		h := &recallHit{}
		var blob []byte
		if err := rows.Scan(&h.id, &h.path, &h.text, &h.updatedTS, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		sim, err := cosineSimilarity(qvec, decodeEmbedding(blob))
		if err != nil {
			return nil, err
		}
		if sim <= 0 {
			continue
		}
		h.vector = sim
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].vector > out[j].vector })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
