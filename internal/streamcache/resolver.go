/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package streamcache converts stable remote permalinks into the
// short-lived direct media URLs an audio engine can actually play. Results
// are cached in-process with a TTL held below the shortest known upstream
// expiry; the cache is advisory and can be dropped at any time without
// correctness loss.
package streamcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanderlight/ember_radio/internal/telemetry"
)

// DefaultTTL keeps cached URLs comfortably inside typical upstream
// expiries (the shortest known is around 15 minutes).
const DefaultTTL = 10 * time.Minute

// ErrNoStreamURL means extraction ran but produced no usable URL.
var ErrNoStreamURL = errors.New("extractor returned no stream url")

// Extractor turns a permalink into a direct media URL.
type Extractor interface {
	Extract(ctx context.Context, permalink string) (string, error)
}

// CommandExtractor shells out to a yt-dlp compatible binary, preferring an
// audio-only format when the source offers several.
type CommandExtractor struct {
	Bin     string
	Timeout time.Duration
	logger  zerolog.Logger
}

// NewCommandExtractor constructs the external-tool extractor.
func NewCommandExtractor(bin string, timeout time.Duration, logger zerolog.Logger) *CommandExtractor {
	if bin == "" {
		bin = "yt-dlp"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandExtractor{
		Bin:     bin,
		Timeout: timeout,
		logger:  logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract invokes the extraction tool. A timeout is treated like any other
// extraction failure.
func (e *CommandExtractor) Extract(ctx context.Context, permalink string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Bin,
		"-g",
		"-f", "bestaudio/best",
		"--no-playlist",
		permalink,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		e.logger.Warn().
			Err(err).
			Str("permalink", permalink).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("stream extraction failed")
		return "", fmt.Errorf("run %s: %w", e.Bin, err)
	}

	url := firstLine(stdout.String())
	if url == "" {
		return "", ErrNoStreamURL
	}
	return url, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

type entry struct {
	url       string
	expiresAt time.Time
}

// Resolver caches extraction results per permalink.
type Resolver struct {
	extractor Extractor
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewResolver constructs a resolver around the given extractor.
func NewResolver(extractor Extractor, ttl time.Duration, logger zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		extractor: extractor,
		ttl:       ttl,
		logger:    logger.With().Str("component", "streamcache").Logger(),
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// Resolve returns a playable direct URL for permalink. Unexpired cache
// hits return immediately; failures are returned to the caller and never
// cached, so a bad attempt cannot poison later calls inside the TTL
// window.
func (r *Resolver) Resolve(ctx context.Context, permalink string) (string, error) {
	r.mu.Lock()
	if cached, ok := r.entries[permalink]; ok && r.now().Before(cached.expiresAt) {
		r.mu.Unlock()
		telemetry.StreamResolutionsTotal.WithLabelValues("hit").Inc()
		return cached.url, nil
	}
	r.mu.Unlock()

	// Extraction runs outside the lock: a concurrent duplicate resolve is
	// benign, a stalled extractor blocking every other permalink is not.
	url, err := r.extractor.Extract(ctx, permalink)
	if err != nil {
		telemetry.StreamResolutionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("resolve %s: %w", permalink, err)
	}

	r.mu.Lock()
	r.entries[permalink] = entry{url: url, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()

	telemetry.StreamResolutionsTotal.WithLabelValues("miss").Inc()
	r.logger.Debug().Str("permalink", permalink).Msg("resolved stream url")
	return url, nil
}

// Prune drops expired entries. Best effort: correctness never depends on
// it running.
func (r *Resolver) Prune() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, cached := range r.entries {
		if !now.Before(cached.expiresAt) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count, expired included.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
