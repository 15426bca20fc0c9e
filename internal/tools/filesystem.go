package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Boundary confines filesystem tools to a set of allowed root directories.
type Boundary struct {
	workspace  string
	allowRoots []string
}

// NewBoundary creates a boundary. Relative tool paths resolve against
// workspace; allowRoots lists the directories tools may touch.
func NewBoundary(workspace string, allowRoots []string) *Boundary {
	cleaned := make([]string, 0, len(allowRoots))
	for _, r := range allowRoots {
		if r == "" {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			r = resolved
		} else {
			r = filepath.Clean(r)
		}
		cleaned = append(cleaned, r)
	}
	return &Boundary{workspace: workspace, allowRoots: cleaned}
}

// CheckPath resolves path and verifies it falls under an allowed root.
// Symlinks are resolved before the check so a link cannot escape, and the
// prefix comparison is separator-aware so a root of /data/ws does not admit
// /data/ws-other.
func (b *Boundary) CheckPath(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) && b.workspace != "" {
		p = filepath.Join(b.workspace, p)
	}
	resolved, err := resolveExisting(p)
	if err != nil {
		return "", err
	}

	if len(b.allowRoots) == 0 {
		return resolved, nil
	}
	for _, root := range b.allowRoots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed directories", path)
}

// resolveExisting resolves symlinks in p. When p does not exist yet (the
// write case), the deepest existing ancestor is resolved and the remaining
// components re-joined, so the boundary check still sees the real location.
func resolveExisting(p string) (string, error) {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	}

	dir, tail := filepath.Dir(p), filepath.Base(p)
	for dir != filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, tail), nil
		}
		dir, tail = filepath.Dir(dir), filepath.Join(filepath.Base(dir), tail)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// ReadFileTool

// ReadFileTool reads a file and returns its contents.
type ReadFileTool struct {
	boundary *Boundary
}

func NewReadFileTool(boundary *Boundary) *ReadFileTool {
	return &ReadFileTool{boundary: boundary}
}

func (t *ReadFileTool) Name() string               { return "read_file" }
func (t *ReadFileTool) Danger() schema.DangerClass { return schema.DangerLow }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the given path."
}
func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to read"
			}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	fp, err := t.boundary.CheckPath(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	info, err := os.Stat(fp)
	if err != nil {
		return fmt.Sprintf("Error: File not found: %s", path), nil
	}
	if !info.Mode().IsRegular() {
		return fmt.Sprintf("Error: Not a file: %s", path), nil
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return fmt.Sprintf("Error reading file: %s", err), nil
	}
	return string(data), nil
}

// ---------------------------------------------------------------------------
// WriteFileTool

// WriteFileTool writes content to a file, creating parent directories as
// needed.
type WriteFileTool struct {
	boundary *Boundary
}

func NewWriteFileTool(boundary *Boundary) *WriteFileTool {
	return &WriteFileTool{boundary: boundary}
}

func (t *WriteFileTool) Name() string               { return "write_file" }
func (t *WriteFileTool) Danger() schema.DangerClass { return schema.DangerMedium }
func (t *WriteFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed."
}
func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to write to"
			},
			"content": {
				"type": "string",
				"description": "The content to write"
			}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	fp, err := t.boundary.CheckPath(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return fmt.Sprintf("Error creating directories: %s", err), nil
	}
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error writing file: %s", err), nil
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), fp), nil
}

// ---------------------------------------------------------------------------
// EditFileTool

// EditFileTool replaces old_text with new_text in a file. The old_text must
// occur exactly once.
type EditFileTool struct {
	boundary *Boundary
}

func NewEditFileTool(boundary *Boundary) *EditFileTool {
	return &EditFileTool{boundary: boundary}
}

func (t *EditFileTool) Name() string               { return "edit_file" }
func (t *EditFileTool) Danger() schema.DangerClass { return schema.DangerMedium }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. The old_text must exist exactly in the file."
}
func (t *EditFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to edit"
			},
			"old_text": {
				"type": "string",
				"description": "The exact text to find and replace"
			},
			"new_text": {
				"type": "string",
				"description": "The text to replace with"
			}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	oldText, _ := params["old_text"].(string)
	newText, _ := params["new_text"].(string)
	if path == "" {
		return "Error: path is required", nil
	}

	fp, err := t.boundary.CheckPath(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return fmt.Sprintf("Error: File not found: %s", path), nil
	}
	content := string(data)

	if !strings.Contains(content, oldText) {
		return editNotFoundMessage(oldText, content, path), nil
	}
	count := strings.Count(content, oldText)
	if count > 1 {
		return fmt.Sprintf("Warning: old_text appears %d times. Please provide more context to make it unique.", count), nil
	}

	newContent := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(fp, []byte(newContent), 0o644); err != nil {
		return fmt.Sprintf("Error writing file: %s", err), nil
	}
	return fmt.Sprintf("Successfully edited %s", fp), nil
}

// editNotFoundMessage builds a diff hint against the closest match so the
// model can correct its old_text on the next attempt.
func editNotFoundMessage(oldText, content, path string) string {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")
	window := len(oldLines)

	bestRatio := 0.0
	bestStart := 0

	end := len(contentLines) - window + 1
	if end < 1 {
		end = 1
	}
	for i := 0; i < end; i++ {
		r := similarityRatio(oldLines, contentLines[i:min(i+window, len(contentLines))])
		if r > bestRatio {
			bestRatio, bestStart = r, i
		}
	}

	if bestRatio > 0.5 {
		match := contentLines[bestStart:min(bestStart+window, len(contentLines))]
		return fmt.Sprintf(
			"Error: old_text not found in %s.\nBest match (%.0f%% similar) at line %d:\n%s",
			path, bestRatio*100, bestStart+1,
			unifiedDiffHint(oldLines, match, path, bestStart),
		)
	}
	return fmt.Sprintf("Error: old_text not found in %s. No similar text found. Verify the file content.", path)
}

// similarityRatio computes a simple character-level overlap ratio.
func similarityRatio(a, b []string) float64 {
	sa := strings.Join(a, "\n")
	sb := strings.Join(b, "\n")
	if len(sa)+len(sb) == 0 {
		return 1.0
	}
	common := 0
	freq := make(map[byte]int)
	for i := 0; i < len(sa); i++ {
		freq[sa[i]]++
	}
	for i := 0; i < len(sb); i++ {
		if freq[sb[i]] > 0 {
			common++
			freq[sb[i]]--
		}
	}
	return 2.0 * float64(common) / float64(len(sa)+len(sb))
}

// unifiedDiffHint returns a simple unified-diff-like hint.
func unifiedDiffHint(oldLines, newLines []string, path string, startLine int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- old_text (provided)\n+++ %s (actual, line %d)\n", path, startLine+1))
	n := len(oldLines)
	if len(newLines) > n {
		n = len(newLines)
	}
	for i := 0; i < n; i++ {
		if i < len(oldLines) {
			sb.WriteString("- " + oldLines[i] + "\n")
		}
		if i < len(newLines) {
			sb.WriteString("+ " + newLines[i] + "\n")
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// ListDirTool

// ListDirTool lists directory contents.
type ListDirTool struct {
	boundary *Boundary
}

func NewListDirTool(boundary *Boundary) *ListDirTool {
	return &ListDirTool{boundary: boundary}
}

func (t *ListDirTool) Name() string               { return "list_dir" }
func (t *ListDirTool) Danger() schema.DangerClass { return schema.DangerLow }
func (t *ListDirTool) Description() string        { return "List the contents of a directory." }
func (t *ListDirTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The directory path to list"
			}
		},
		"required": ["path"]
	}`)
}

func (t *ListDirTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	dp, err := t.boundary.CheckPath(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	info, err := os.Stat(dp)
	if err != nil {
		return fmt.Sprintf("Error: Directory not found: %s", path), nil
	}
	if !info.IsDir() {
		return fmt.Sprintf("Error: Not a directory: %s", path), nil
	}
	entries, err := os.ReadDir(dp)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %s", err), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var lines []string
	for _, e := range entries {
		prefix := "[F] "
		if e.IsDir() {
			prefix = "[D] "
		}
		lines = append(lines, prefix+e.Name())
	}
	return strings.Join(lines, "\n"), nil
}
