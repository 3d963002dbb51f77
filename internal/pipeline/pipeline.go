// Package pipeline answers questions: parse, retrieve against the active
// generation, then generate.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/DeafMist/agendaflow/internal/generator"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/metrics"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/query"
	"github.com/DeafMist/agendaflow/internal/retrieval"
)

// Config wires a Service. Generator defaults to the template generator.
type Config struct {
	Processor *query.Processor
	Retriever *retrieval.Retriever
	Holder    *index.Holder
	Generator generator.Generator
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

// Service is safe for concurrent use. Each call pins the generation that is
// active when it starts.
type Service struct {
	cfg Config
}

func New(cfg Config) *Service {
	if cfg.Processor == nil {
		cfg.Processor = query.NewProcessor(nil, models.LanguageFrench)
	}
	if cfg.Generator == nil {
		cfg.Generator = generator.Template{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg}
}

// Answer is the retrieval outcome for one question.
type Answer struct {
	Question      string
	Semantic      string
	Filters       models.QueryFilters
	Language      models.Language
	Result        models.RetrievalResult
	GenerationID  string
	RetrievalTime time.Duration
}

// Response adds the generated text to an Answer.
type Response struct {
	*Answer
	Text           string
	GenerationTime time.Duration
}

// Answer parses the question and retrieves matching events. Errors are
// *models.FilterConflictError, query.ErrEmptyQuestion,
// models.ErrIndexNotReady or *models.EmbeddingModelError.
func (s *Service) Answer(ctx context.Context, question string, o query.Overrides) (*Answer, error) {
	started := time.Now()

	parsed, err := s.cfg.Processor.Parse(question, o, s.cfg.Now())
	if err != nil {
		return nil, err
	}

	gen, err := s.cfg.Holder.Current()
	if err != nil {
		return nil, err
	}

	result, err := s.cfg.Retriever.Retrieve(ctx, gen, parsed.Semantic, parsed.Filters)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	s.cfg.Metrics.ObserveRetrieval(elapsed)
	s.cfg.Log.Debug("question answered",
		slog.String("semantic", parsed.Semantic),
		slog.String("language", string(parsed.Filters.Language)),
		slog.Int("results", len(result.Items)),
		slog.Duration("retrieval", elapsed),
	)

	return &Answer{
		Question:      parsed.Original,
		Semantic:      parsed.Semantic,
		Filters:       parsed.Filters,
		Language:      parsed.Filters.Language,
		Result:        result,
		GenerationID:  gen.ID(),
		RetrievalTime: elapsed,
	}, nil
}

// Ask runs Answer and writes the answer text.
func (s *Service) Ask(ctx context.Context, question string, o query.Overrides) (*Response, error) {
	ans, err := s.Answer(ctx, question, o)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	text, err := s.cfg.Generator.Generate(ctx, generator.Request{
		Question: ans.Question,
		Language: ans.Language,
		Filters:  ans.Filters,
		Events:   ans.Result.Events(),
	})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(started)
	s.cfg.Metrics.ObserveGeneration(elapsed)

	return &Response{Answer: ans, Text: text, GenerationTime: elapsed}, nil
}
