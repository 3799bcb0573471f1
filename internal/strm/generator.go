// Package strm generates local placeholder files whose entire content is the
// URL of a remote media file.
package strm

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/strmsync/strmsync/internal/filesystem"
)

// Extension is the suffix of generated placeholder files.
const Extension = ".strm"

// Outcome classifies the result of one Generate call.
type Outcome int

// Generate outcomes.
const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

// Counters is a per-run snapshot of generation activity.
type Counters struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Config holds the generator settings, a read-only snapshot of the
// application configuration.
type Config struct {
	OutputRoot    string
	PathMapping   map[string]string
	Extensions    []string
	URLEncode     bool
	KeepStructure bool
}

// Generator maps remote paths to local placeholder files and writes or
// deletes them idempotently.
type Generator struct {
	outputRoot    string
	mapping       map[string]string
	extensions    map[string]bool
	urlEncode     bool
	keepStructure bool
	logger        *slog.Logger

	mu       sync.Mutex
	counters Counters
}

// NewGenerator creates a Generator. Extensions are normalized to lowercase
// with a leading dot.
func NewGenerator(cfg Config, logger *slog.Logger) *Generator {
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Generator{
		outputRoot:    filepath.Clean(cfg.OutputRoot),
		mapping:       cfg.PathMapping,
		extensions:    exts,
		urlEncode:     cfg.URLEncode,
		keepStructure: cfg.KeepStructure,
		logger:        logger.With(slog.String("component", "strm")),
	}
}

// IsMediaFile reports whether name carries a configured media extension.
func (g *Generator) IsMediaFile(name string) bool {
	return g.extensions[strings.ToLower(path.Ext(name))]
}

// PathFor returns the local placeholder path for a remote file path. With
// keep_structure the remote directory layout is mirrored beneath the output
// root; otherwise only the file name is kept.
func (g *Generator) PathFor(remotePath string) string {
	relative := strings.TrimLeft(remotePath, "/")
	ext := path.Ext(relative)
	relative = strings.TrimSuffix(relative, ext) + Extension

	if !g.keepStructure {
		relative = path.Base(relative)
	}
	return filepath.Join(g.outputRoot, filepath.FromSlash(relative))
}

// ResolveURL returns the URL to embed for a remote path. The longest
// configured prefix wins; its residual suffix is appended to the mapped base
// URL, percent-encoded when configured. Without a match the full remote path
// is used as-is (encoded per config).
func (g *Generator) ResolveURL(remotePath string) string {
	var matched, base string
	for prefix, target := range g.mapping {
		if strings.HasPrefix(remotePath, prefix) && len(prefix) > len(matched) {
			matched = prefix
			base = target
		}
	}

	if matched == "" {
		if g.urlEncode {
			return encodePath(remotePath)
		}
		return remotePath
	}

	residual := remotePath[len(matched):]
	if g.urlEncode {
		residual = encodePath(residual)
	}
	return strings.TrimRight(base, "/") + residual
}

// Generate writes the placeholder for remotePath. Non-media files are
// skipped with an empty path. An existing artifact with byte-identical
// content is skipped unless force is set, avoiding needless writes and mtime
// churn; its path is still returned so callers can refresh their records.
func (g *Generator) Generate(remotePath string, force bool) (string, Outcome, error) {
	if !g.IsMediaFile(remotePath) {
		g.count(OutcomeSkipped)
		return "", OutcomeSkipped, nil
	}

	artifactPath := g.PathFor(remotePath)
	content := g.ResolveURL(remotePath)

	outcome := OutcomeCreated
	if existing, err := os.ReadFile(artifactPath); err == nil { //nolint:gosec // G304: path derived from output root
		if !force && strings.TrimSpace(string(existing)) == content {
			g.count(OutcomeSkipped)
			return artifactPath, OutcomeSkipped, nil
		}
		outcome = OutcomeUpdated
	}

	if err := filesystem.WriteFileAtomic(artifactPath, []byte(content), 0o644); err != nil {
		return "", OutcomeSkipped, fmt.Errorf("writing artifact %s: %w", artifactPath, err)
	}

	g.count(outcome)
	g.logger.Debug("artifact written", "path", artifactPath, "outcome", outcome)
	return artifactPath, outcome, nil
}

// Delete removes an artifact file if present, then prunes now-empty parent
// directories, stopping at (and excluding) the output root.
func (g *Generator) Delete(artifactPath string) error {
	if err := os.Remove(artifactPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("removing artifact %s: %w", artifactPath, err)
	}
	g.pruneEmptyDirs(filepath.Dir(artifactPath))
	g.logger.Debug("artifact deleted", "path", artifactPath)
	return nil
}

func (g *Generator) pruneEmptyDirs(dir string) {
	for dir != g.outputRoot {
		rel, err := filepath.Rel(g.outputRoot, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Counters returns the per-run counter snapshot.
func (g *Generator) Counters() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters
}

// ResetCounters zeroes the per-run counters. Called at scan start.
func (g *Generator) ResetCounters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = Counters{}
}

func (g *Generator) count(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch o {
	case OutcomeCreated:
		g.counters.Created++
	case OutcomeUpdated:
		g.counters.Updated++
	case OutcomeSkipped:
		g.counters.Skipped++
	}
}

// encodePath percent-encodes each path segment, preserving separators.
func encodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "skipped"
	}
}
