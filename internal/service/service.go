package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iwanhae/partq/internal/dispatch"
	"github.com/iwanhae/partq/internal/metrics"
	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/query"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest marks failures caused by the request itself rather than the engine.
var ErrInvalidRequest = errors.New("invalid request")

// IsInvalid reports whether err was caused by a malformed request.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// Request carries either raw SQL or query templates over a month range.
type Request struct {
	SQL     string           `json:"sql,omitempty"`
	Queries []string         `json:"queries,omitempty"`
	From    *partition.Bound `json:"from,omitempty"`
	To      *partition.Bound `json:"to,omitempty"`
}

// Response is the outcome of one request. Results follow submission order.
type Response struct {
	BatchID    string            `json:"batch_id"`
	Partitions []string          `json:"partitions,omitempty"`
	Duration   time.Duration     `json:"-"`
	Results    []dispatch.Result `json:"-"`
}

// Dispatcher runs a batch of queries. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, queries []string) (*dispatch.Batch, error)
}

// DefaultMaxPartitions caps a range at one hundred years of months.
const DefaultMaxPartitions = 1200

// Options configures a Service.
type Options struct {
	Layout partition.Layout
	// Timeout bounds a whole batch. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	// MaxPartitions caps how many months one range may span. Zero means DefaultMaxPartitions.
	MaxPartitions int
}

// Service resolves partitions, renders queries and dispatches them.
type Service struct {
	dispatcher Dispatcher
	opts       Options
	logger     zerolog.Logger
}

// New creates a Service. dispatcher may be nil when only Partitions is used.
func New(dispatcher Dispatcher, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxPartitions <= 0 {
		opts.MaxPartitions = DefaultMaxPartitions
	}
	return &Service{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Partitions resolves the configured layout over from..to. Ranges spanning
// more than MaxPartitions months are rejected before anything is resolved.
func (s *Service) Partitions(from, to partition.Bound) ([]string, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: months must be between 1 and 12, got from=%s to=%s", ErrInvalidRequest, from, to)
	}
	if !validYear(from.Year) || !validYear(to.Year) {
		return nil, fmt.Errorf("%w: years must be between 0 and %d, got from=%s to=%s", ErrInvalidRequest, partition.MaxYear, from, to)
	}
	if n := partition.Count(from, to); n > s.opts.MaxPartitions {
		return nil, fmt.Errorf("%w: range %s..%s spans %d months, at most %d allowed", ErrInvalidRequest, from, to, n, s.opts.MaxPartitions)
	}
	paths := s.opts.Layout.Resolve(from, to)
	metrics.PartitionsResolved.Add(float64(len(paths)))
	return paths, nil
}

// Handle runs every query of req. An invalid request returns an error
// matching ErrInvalidRequest and no response. Engine failures return the
// full response together with a *dispatch.BatchError.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	queries, partitions, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	batch, err := s.dispatcher.Dispatch(ctx, queries)
	if batch == nil {
		return nil, err
	}
	return &Response{
		BatchID:    batch.ID,
		Partitions: partitions,
		Duration:   batch.Duration,
		Results:    batch.Results,
	}, err
}

func validYear(y int) bool {
	return y >= 0 && y <= partition.MaxYear
}

// prepare validates req and renders its queries.
func (s *Service) prepare(req Request) ([]string, []string, error) {
	templates := append([]string(nil), req.Queries...)
	if req.SQL != "" {
		templates = append(templates, req.SQL)
	}
	if len(templates) == 0 {
		return nil, nil, fmt.Errorf("%w: no query given", ErrInvalidRequest)
	}
	for i, t := range templates {
		if t == "" {
			return nil, nil, fmt.Errorf("%w: query %d is empty", ErrInvalidRequest, i)
		}
	}

	if req.From == nil && req.To == nil {
		for i, t := range templates {
			if query.HasPlaceholder(t) {
				return nil, nil, fmt.Errorf("%w: query %d uses %s but no from/to range was given", ErrInvalidRequest, i, query.Placeholder)
			}
		}
		return templates, nil, nil
	}
	if req.From == nil || req.To == nil {
		return nil, nil, fmt.Errorf("%w: both from and to are required for a range", ErrInvalidRequest)
	}

	partitions, err := s.Partitions(*req.From, *req.To)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug().
		Stringer("from", req.From).
		Stringer("to", req.To).
		Int("partitions", len(partitions)).
		Msg("resolved partitions")

	queries := make([]string, len(templates))
	for i, t := range templates {
		q, err := query.Render(t, partitions)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: query %d: range %s..%s: %w", ErrInvalidRequest, i, req.From, req.To, err)
		}
		queries[i] = q
	}
	return queries, partitions, nil
}
