package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// Hit is one ranked result: the requested output fields plus a score.
type Hit struct {
	Fields map[string]any
	Score  float64
}

// MarshalJSON flattens the fields and the score into a single object.
func (h Hit) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Fields)+1)
	for k, v := range h.Fields {
		out[k] = v
	}
	out["score"] = h.Score
	return json.Marshal(out)
}

// String returns a field as a string, or "" when absent.
func (h Hit) String(field string) string {
	if s, ok := h.Fields[field].(string); ok {
		return s
	}
	if v, ok := h.Fields[field]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Response is the query output document.
type Response struct {
	Results []Hit `json:"results"`
}

// Assemble projects raw hits onto outputFields, keeps the store's order
// and truncates to limit.
func Assemble(raw []vectordb.RawHit, outputFields []string, limit int) ([]Hit, error) {
	n := len(raw)
	if limit > 0 && n > limit {
		n = limit
	}

	hits := make([]Hit, 0, n)
	for _, r := range raw[:n] {
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			return nil, &vectordb.StoreError{Op: "search", Message: fmt.Sprintf("non-finite score %v", r.Score)}
		}
		fields := make(map[string]any, len(outputFields))
		for _, f := range outputFields {
			if v, ok := r.Fields[f]; ok {
				fields[f] = v
			}
		}
		hits = append(hits, Hit{Fields: fields, Score: r.Score})
	}
	return hits, nil
}

// Run executes req against store: plan, search, assemble.
func Run(ctx context.Context, store vectordb.Store, planner *Planner, req *Request) (*Response, error) {
	raw, err := planner.Search(ctx, store, planner.Plan(req))
	if err != nil {
		return nil, err
	}
	hits, err := Assemble(raw, req.OutputFields, req.Limit)
	if err != nil {
		return nil, err
	}
	return &Response{Results: hits}, nil
}
