// Package source fetches the text a short is built from. Remote feeds are
// tried in order; when all of them fail a local fallback pool is used.
package source

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/kalambet/shortsd/internal/failure"
)

// MinTextLength is the shortest text accepted from any source.
const MinTextLength = 10

// ErrTooShort is returned for items whose text is under MinTextLength.
var ErrTooShort = errors.New("content too short")

// ContentItem is one piece of source text. It is immutable once created.
type ContentItem struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SourceName string    `json:"source_name"`
	FetchedAt  time.Time `json:"fetched_at"`
	Setup      string    `json:"setup,omitempty"`
	Punchline  string    `json:"punchline,omitempty"`
}

// TwoPart reports whether the item has a separate setup and punchline.
func (c ContentItem) TwoPart() bool {
	return c.Setup != "" && c.Punchline != ""
}

// ContentID returns the stable identifier for a text: the hex encoding of the
// first 16 bytes of its BLAKE3 hash.
func ContentID(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// NewItem builds a ContentItem from a one-liner.
func NewItem(text, sourceName string, fetchedAt time.Time) ContentItem {
	text = normalizeSpace(text)
	return ContentItem{
		ID:         ContentID(text),
		Text:       text,
		SourceName: sourceName,
		FetchedAt:  fetchedAt,
	}
}

// NewTwoPartItem builds a ContentItem from a setup and punchline.
func NewTwoPartItem(setup, punchline, sourceName string, fetchedAt time.Time) ContentItem {
	setup = normalizeSpace(setup)
	punchline = normalizeSpace(punchline)
	if setup == "" || punchline == "" {
		return NewItem(setup+" "+punchline, sourceName, fetchedAt)
	}
	item := NewItem(setup+" "+punchline, sourceName, fetchedAt)
	item.Setup = setup
	item.Punchline = punchline
	return item
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validate(item ContentItem) error {
	if len(item.Text) < MinTextLength {
		return fmt.Errorf("%w: %q", ErrTooShort, item.Text)
	}
	return nil
}

// Source is one remote content feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (ContentItem, error)
}

// Provider tries its sources in order and falls back to the pool.
type Provider struct {
	sources []Source
	pool    *Pool
	now     func() time.Time
	intn    func(n int) int
	logger  *slog.Logger
}

// NewProvider creates a Provider. A nil pool means no fallback.
func NewProvider(sources []Source, pool *Pool) *Provider {
	return &Provider{
		sources: sources,
		pool:    pool,
		now:     time.Now,
		intn:    rand.IntN,
		logger:  slog.Default(),
	}
}

// Fetch returns the first valid item from the configured sources. If every
// source fails, a random item from the fallback pool is returned instead.
// The fallback is a degradation within the same call, not a retry. An empty
// pool yields a retryable source_unavailable error.
func (p *Provider) Fetch(ctx context.Context) (ContentItem, error) {
	var errs []error
	for _, src := range p.sources {
		if err := ctx.Err(); err != nil {
			return ContentItem{}, err
		}
		item, err := src.Fetch(ctx)
		if err == nil {
			err = validate(item)
		}
		if err != nil {
			p.logger.Warn("source failed", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		p.logger.Info("fetched content", "source", src.Name(), "content_id", item.ID)
		return item, nil
	}

	if p.pool.Len() == 0 {
		errs = append(errs, errors.New("fallback pool is empty"))
		return ContentItem{}, failure.New(failure.SourceUnavailable, "source.fetch", errors.Join(errs...))
	}

	item := p.pool.pick(p.intn, p.now())
	if len(p.sources) > 0 {
		p.logger.Warn("all sources failed, using fallback pool", "content_id", item.ID)
	}
	return item, nil
}
