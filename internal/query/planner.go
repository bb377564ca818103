package query

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// Planner turns a Request into exactly one store search.
type Planner struct {
	logger *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

// Plan builds the search request for req. The filter expression is
// omitted entirely when the request has no filter.
func (p *Planner) Plan(req *Request) vectordb.SearchRequest {
	filter := req.Filter()
	expr, _ := CompileFilter(filter)

	return vectordb.SearchRequest{
		Collection:   req.CollectionName,
		VectorField:  req.VectorField,
		Vector:       req.Vector,
		Metric:       req.MetricType,
		Params:       req.SearchParams,
		Expr:         expr,
		Filter:       filter,
		Limit:        req.Limit,
		OutputFields: req.OutputFields,
	}
}

// Search issues the planned search. Ranking is the store's; nothing is
// re-sorted here, and the collection is expected to be loaded already.
func (p *Planner) Search(ctx context.Context, store vectordb.Store, plan vectordb.SearchRequest) ([]vectordb.RawHit, error) {
	ctx, span := observability.StartSpan(ctx, "query.search",
		attribute.String("collection", plan.Collection),
		attribute.Int("limit", plan.Limit),
		attribute.Bool("filtered", plan.Expr != ""),
	)
	defer span.End()

	start := time.Now()
	hits, err := store.Search(ctx, plan)
	observability.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.SearchHits.Observe(float64(len(hits)))

	p.logger.Debug("search completed",
		zap.String("collection", plan.Collection),
		zap.String("filter", plan.Expr),
		zap.Int("hits", len(hits)),
		zap.Duration("duration", time.Since(start)),
	)
	return hits, nil
}
