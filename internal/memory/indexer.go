package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// chunkRunes bounds one indexed chunk.
const chunkRunes = 1200

// indexableExtensions lists the file types the indexer walks.
var indexableExtensions = map[string]bool{
	".md": true, ".txt": true, ".org": true, ".rst": true,
}

// IndexStats summarises one indexer run.
type IndexStats struct {
	Scanned  int
	Indexed  int
	Skipped  int
	Removed  int
}

// IndexWorkspace walks the workspace, chunks changed files, embeds the
// chunks, and rewrites the unstructured index. It runs in the offline
// `duskpetrel index` process; the daemon only reads these tables.
func (s *Store) IndexWorkspace(ctx context.Context, workspace string, embedder schema.Embedder) (IndexStats, error) {
	var stats IndexStats
	seen := map[string]bool{}

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != workspace {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			rel = path
		}
		seen[rel] = true
		stats.Scanned++

		changed, err := s.indexFile(ctx, rel, path, embedder)
		if err != nil {
			slog.Warn("index file failed", "path", rel, "error", err)
			return nil
		}
		if changed {
			stats.Indexed++
		} else {
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk workspace: %w", err)
	}

	removed, err := s.pruneMissing(ctx, seen)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed
	return stats, nil
}

// indexFile reindexes one file when its content hash changed. Returns true
// when the index was rewritten.
func (s *Store) indexFile(ctx context.Context, rel, abs string, embedder schema.Embedder) (bool, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", abs, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var prev string
	err = s.db.QueryRowContext(ctx, `SELECT hash FROM files WHERE path = ?`, rel).Scan(&prev)
	if err == nil && prev == hash {
		return false, nil
	}

	chunks := splitChunks(string(data))
	var embeddings [][]float32
	if embedder != nil && len(chunks) > 0 {
		embeddings, err = embedder.Embed(ctx, chunks)
		if err != nil {
			return false, fmt.Errorf("embed %s: %w", rel, err)
		}
		// Paired iteration demands equal lengths; truncating silently would
		// attach wrong vectors to chunks.
		if len(embeddings) != len(chunks) {
			return false, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
		}
	}

	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, rel); err != nil {
		return false, fmt.Errorf("clear chunks %s: %w", rel, err)
	}
	for i, text := range chunks {
		var blob []byte
		if embeddings != nil {
			blob = encodeEmbedding(embeddings[i])
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (path, chunk_ix, text, embedding, updated_ts) VALUES (?, ?, ?, ?, ?)`,
			rel, i, text, blob, now); err != nil {
			return false, fmt.Errorf("insert chunk %s#%d: %w", rel, i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, hash, updated_ts) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, updated_ts = excluded.updated_ts`,
		rel, hash, now); err != nil {
		return false, fmt.Errorf("record file hash %s: %w", rel, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit index tx: %w", err)
	}
	return true, nil
}

// pruneMissing drops index rows for files no longer present.
func (s *Store) pruneMissing(ctx context.Context, seen map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files`)
	if err != nil {
		return 0, fmt.Errorf("list indexed files: %w", err)
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		if !seen[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, p); err != nil {
			return 0, fmt.Errorf("prune chunks %s: %w", p, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, p); err != nil {
			return 0, fmt.Errorf("prune file %s: %w", p, err)
		}
	}
	return len(stale), nil
}

// splitChunks splits text on blank lines, packing paragraphs into chunks of
// at most chunkRunes runes. Oversized paragraphs are split hard.
func splitChunks(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len([]rune(p)) > chunkRunes {
			r := []rune(p)
			flush()
			chunks = append(chunks, string(r[:chunkRunes]))
			p = strings.TrimSpace(string(r[chunkRunes:]))
		}
		if p == "" {
			continue
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(p))+2 > chunkRunes {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}
