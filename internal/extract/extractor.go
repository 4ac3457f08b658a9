// Package extract pulls chapter and metadata facts out of novel index pages.
//
// Each field is resolved by an ordered list of strategies. The first strategy
// that reports success wins, so a structured marker can be tried before a
// looser text pattern, and a new site layout only needs a new strategy.
package extract

import (
	"bytes"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

// Field names a PageFacts field resolved by strategies.
type Field string

// Fields in resolution order.
const (
	FieldChapter    Field = "chapter"
	FieldGenres     Field = "genres"
	FieldAuthor     Field = "author"
	FieldUpdateTime Field = "update_time"
)

var fieldOrder = []Field{FieldChapter, FieldGenres, FieldAuthor, FieldUpdateTime}

// Document is the parsed page handed to strategies.
type Document struct {
	DOM *goquery.Document
	Raw string
	Now time.Time
}

// Strategy fills one field of facts. It returns true when it found a value.
type Strategy interface {
	Name() string
	Apply(doc *Document, facts *updater.PageFacts) bool
}

type strategyFunc struct {
	name string
	fn   func(*Document, *updater.PageFacts) bool
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Apply(doc *Document, facts *updater.PageFacts) bool {
	return s.fn(doc, facts)
}

// NewStrategy adapts a function into a Strategy.
func NewStrategy(name string, fn func(*Document, *updater.PageFacts) bool) Strategy {
	return strategyFunc{name: name, fn: fn}
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithStrategies replaces the strategy list for field.
func WithStrategies(field Field, strategies ...Strategy) Option {
	return func(e *Extractor) {
		e.strategies[field] = append([]Strategy(nil), strategies...)
	}
}

// WithFallback appends a strategy to field's list.
func WithFallback(field Field, strategy Strategy) Option {
	return func(e *Extractor) {
		e.strategies[field] = append(e.strategies[field], strategy)
	}
}

// WithClock sets the reference time used for relative timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger attaches a logger for strategy and recovery diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Extractor implements updater.Extractor.
type Extractor struct {
	strategies map[Field][]Strategy
	now        func() time.Time
	logger     *zap.Logger
}

// New returns an Extractor loaded with the default strategies.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		strategies: DefaultStrategies(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultStrategies returns the built-in strategy lists keyed by field.
func DefaultStrategies() map[Field][]Strategy {
	return map[Field][]Strategy{
		FieldChapter: {
			NewStrategy("l-chapter", chapterFromLatestBlock),
			NewStrategy("meta-latest-chapter", chapterFromMeta),
			NewStrategy("chapter-links", chapterFromLinks),
			NewStrategy("latest-chapter-text", chapterFromLatestText),
		},
		FieldGenres: {
			NewStrategy("meta-genre", genresFromMeta),
			NewStrategy("genre-definition", genresFromDefinition),
		},
		FieldAuthor: {
			NewStrategy("meta-author", authorFromMeta),
			NewStrategy("author-definition", authorFromDefinition),
			NewStrategy("author-text", authorFromText),
		},
		FieldUpdateTime: {
			NewStrategy("item-time", updateTimeFromItemTime),
			NewStrategy("meta-update-time", updateTimeFromMeta),
		},
	}
}

// Extract never fails. Fields that no strategy resolves stay nil.
func (e *Extractor) Extract(body []byte) (facts updater.PageFacts) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("extract panicked", zap.Any("panic", r))
			facts = updater.PageFacts{}
		}
	}()

	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		e.logger.Debug("parse html failed", zap.Error(err))
		return updater.PageFacts{}
	}
	doc := &Document{DOM: dom, Raw: string(body), Now: e.now()}

	for _, field := range fieldOrder {
		for _, strategy := range e.strategies[field] {
			if e.apply(strategy, doc, &facts) {
				e.logger.Debug("field resolved",
					zap.String("field", string(field)),
					zap.String("strategy", strategy.Name()),
				)
				break
			}
		}
	}
	return facts
}

// apply isolates a single strategy so one faulty strategy does not cost the
// other fields.
func (e *Extractor) apply(strategy Strategy, doc *Document, facts *updater.PageFacts) (ok bool) {
	snapshot := *facts
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("strategy panicked",
				zap.String("strategy", strategy.Name()),
				zap.Any("panic", r),
			)
			*facts = snapshot
			ok = false
		}
	}()
	return strategy.Apply(doc, facts)
}
