package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/schema"
)

// MilvusDefaultPort is the Milvus proxy gRPC port.
const MilvusDefaultPort = 19530

// milvusConnectTimeout bounds the initial handshake when no request
// timeout is configured.
const milvusConnectTimeout = 10 * time.Second

// milvusIndexNotFound is the Milvus error code for a missing index.
const milvusIndexNotFound = 700

// Milvus implements Store with the Milvus Go SDK.
type Milvus struct {
	clientConfig milvusclient.ClientConfig
	address      string
	timeout      time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	client *milvusclient.Client
}

// NewMilvus creates a Milvus store. The connection is established on the
// first operation.
func NewMilvus(cfg Config, logger *zap.Logger) (*Milvus, error) {
	scheme, hostPort, err := ParseAddress(cfg.Address, MilvusDefaultPort)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The SDK switches to TLS for https:// addresses.
	address := hostPort
	if scheme == "https" {
		address = "https://" + hostPort
	}

	return &Milvus{
		clientConfig: milvusclient.ClientConfig{
			Address: address,
			DBName:  cfg.Database,
			APIKey:  cfg.Token,
		},
		address: hostPort,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logger,
	}, nil
}

// HasCollection reports whether the collection exists.
func (m *Milvus) HasCollection(ctx context.Context, name string) (has bool, err error) {
	err = m.do(ctx, "has_collection", name, func(ctx context.Context, c *milvusclient.Client) error {
		var err error
		has, err = c.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
		return err
	})
	return has, err
}

// DropCollection removes the collection.
func (m *Milvus) DropCollection(ctx context.Context, name string) error {
	return m.do(ctx, "drop_collection", name, func(ctx context.Context, c *milvusclient.Client) error {
		return c.DropCollection(ctx, milvusclient.NewDropCollectionOption(name))
	})
}

// CreateCollection creates the collection without an index; the index is
// created separately so an existing collection can gain one later.
func (m *Milvus) CreateCollection(ctx context.Context, coll schema.Collection) error {
	sch := entity.NewSchema().
		WithName(coll.Name).
		WithDescription(schema.Description)
	for _, f := range schema.ScalarFields() {
		sch.WithField(entity.NewField().
			WithName(f.Name).
			WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(f.Primary).
			WithMaxLength(int64(f.MaxLength)))
	}
	sch.WithField(entity.NewField().
		WithName(coll.VectorField).
		WithDataType(entity.FieldTypeFloatVector).
		WithDim(int64(coll.Dimension)))

	return m.do(ctx, "create_collection", coll.Name, func(ctx context.Context, c *milvusclient.Client) error {
		return c.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(coll.Name, sch))
	})
}

// HasIndex reports whether an index exists. The collection has a single
// vector field, so any index is the vector index.
func (m *Milvus) HasIndex(ctx context.Context, coll schema.Collection) (has bool, err error) {
	err = m.do(ctx, "list_indexes", coll.Name, func(ctx context.Context, c *milvusclient.Client) error {
		names, err := m.listIndexes(ctx, c, coll.Name)
		has = len(names) > 0
		return err
	})
	return has, err
}

// CreateIndex builds idx on the vector field and waits until it is ready.
// Only IVF_FLAT is supported.
func (m *Milvus) CreateIndex(ctx context.Context, coll schema.Collection, idx schema.Index) error {
	if !strings.EqualFold(idx.Type, "IVF_FLAT") {
		return &StoreError{Op: "create_index", Message: fmt.Sprintf("unsupported index type %q", idx.Type)}
	}
	nlist := 1024
	if n, ok := toFloat(idx.Params["nlist"]); ok && n > 0 {
		nlist = int(n)
	}
	ivf := index.NewIvfFlatIndex(index.MetricType(strings.ToUpper(idx.Metric)), nlist)

	return m.do(ctx, "create_index", coll.Name, func(ctx context.Context, c *milvusclient.Client) error {
		task, err := c.CreateIndex(ctx, milvusclient.NewCreateIndexOption(coll.Name, coll.VectorField, ivf).WithIndexName(idx.Name))
		if err != nil {
			return err
		}
		return task.Await(ctx)
	})
}

// Insert writes one batch of records as columns.
func (m *Milvus) Insert(ctx context.Context, coll schema.Collection, records []schema.SymbolRecord) error {
	if len(records) == 0 {
		return nil
	}

	opt := milvusclient.NewColumnBasedInsertOption(coll.Name)
	for _, f := range schema.ScalarFields() {
		values := make([]string, len(records))
		for i, r := range records {
			values[i] = r.Value(f.Name)
		}
		opt = opt.WithVarcharColumn(f.Name, values)
	}
	vectors := make([][]float32, len(records))
	for i, r := range records {
		vectors[i] = r.Vector
	}
	opt = opt.WithFloatVectorColumn(coll.VectorField, coll.Dimension, vectors)

	return m.do(ctx, "insert", coll.Name, func(ctx context.Context, c *milvusclient.Client) error {
		res, err := c.Insert(ctx, opt)
		if err != nil {
			return err
		}
		if res.InsertCount != int64(len(records)) {
			return &StoreError{
				Op:      "insert",
				Message: fmt.Sprintf("store accepted %d of %d rows", res.InsertCount, len(records)),
			}
		}
		return nil
	})
}

// Load loads the collection into memory and waits until it is searchable.
func (m *Milvus) Load(ctx context.Context, name string) error {
	return m.do(ctx, "load_collection", name, func(ctx context.Context, c *milvusclient.Client) error {
		task, err := c.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
		if err != nil {
			return err
		}
		return task.Await(ctx)
	})
}

// Search runs a single similarity search. The primary key is always part
// of the returned fields.
func (m *Milvus) Search(ctx context.Context, req SearchRequest) (hits []RawHit, err error) {
	opt := milvusclient.NewSearchOption(req.Collection, req.Limit, []entity.Vector{entity.FloatVector(req.Vector)}).
		WithANNSField(req.VectorField).
		WithOutputFields(req.OutputFields...)
	if req.Expr != "" {
		opt = opt.WithFilter(req.Expr)
	}
	if req.Metric != "" {
		opt = opt.WithSearchParam("metric_type", strings.ToUpper(req.Metric))
	}
	if len(req.Params) > 0 {
		params, err := json.Marshal(req.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode search params: %w", err)
		}
		opt = opt.WithSearchParam("params", string(params))
	}

	err = m.do(ctx, "search", req.Collection, func(ctx context.Context, c *milvusclient.Client) error {
		sets, err := c.Search(ctx, opt)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return nil
		}
		set := sets[0]

		hits = make([]RawHit, 0, set.ResultCount)
		for i := 0; i < set.ResultCount; i++ {
			fields := make(map[string]any, len(set.Fields)+1)
			for _, col := range set.Fields {
				v, err := col.Get(i)
				if err != nil {
					return fmt.Errorf("read %s of hit %d: %w", col.Name(), i, err)
				}
				fields[col.Name()] = v
			}
			if set.IDs != nil {
				if _, ok := fields[set.IDs.Name()]; !ok {
					id, err := set.IDs.Get(i)
					if err != nil {
						return fmt.Errorf("read id of hit %d: %w", i, err)
					}
					fields[set.IDs.Name()] = id
				}
			}
			hits = append(hits, RawHit{Score: float64(set.Scores[i]), Fields: fields})
		}
		return nil
	})
	return hits, err
}

// Describe returns the live schema, indexes and load state of a collection.
func (m *Milvus) Describe(ctx context.Context, name string) (info *CollectionInfo, err error) {
	err = m.do(ctx, "describe_collection", name, func(ctx context.Context, c *milvusclient.Client) error {
		coll, err := c.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(name))
		if err != nil {
			return err
		}

		info = &CollectionInfo{Name: coll.Name}
		vectorField := ""
		if coll.Schema != nil {
			info.Description = coll.Schema.Description
			for _, f := range coll.Schema.Fields {
				fi := FieldInfo{Name: f.Name, Type: fieldTypeName(f.DataType), Primary: f.PrimaryKey}
				if len(f.TypeParams) > 0 {
					fi.Params = maps.Clone(f.TypeParams)
				}
				if f.DataType == entity.FieldTypeFloatVector {
					vectorField = f.Name
				}
				info.Fields = append(info.Fields, fi)
			}
		}

		names, err := m.listIndexes(ctx, c, name)
		if err != nil {
			return err
		}
		for _, idxName := range names {
			desc, err := c.DescribeIndex(ctx, milvusclient.NewDescribeIndexOption(name, idxName))
			if err != nil {
				return err
			}
			info.Indexes = append(info.Indexes, IndexInfo{
				Field:  vectorField,
				Name:   idxName,
				Type:   string(desc.Index.IndexType()),
				Metric: desc.Index.Params()["metric_type"],
			})
		}

		state, err := c.GetLoadState(ctx, milvusclient.NewGetLoadStateOption(name))
		if err != nil {
			return err
		}
		info.LoadState = loadStateName(int32(state.State))
		return nil
	})
	return info, err
}

// Health lists collections as a cheap round trip.
func (m *Milvus) Health(ctx context.Context) error {
	return m.do(ctx, "list_collections", "", func(ctx context.Context, c *milvusclient.Client) error {
		_, err := c.ListCollections(ctx, milvusclient.NewListCollectionOption())
		return err
	})
}

// Close closes the SDK client if one was opened.
func (m *Milvus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close(context.Background())
	m.client = nil
	return err
}

// do runs one SDK call inside a span and the configured timeout, and maps
// its error onto the store error taxonomy.
func (m *Milvus) do(ctx context.Context, op, collection string, fn func(context.Context, *milvusclient.Client) error) (err error) {
	ctx, span := observability.StartStoreSpan(ctx, "milvus", op, collection)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	c, err := m.conn(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = fn(ctx, c)
	m.logger.Debug("milvus request",
		zap.String("op", op),
		zap.String("collection", collection),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return m.wrap(op, err)
}

// conn returns the shared client, connecting on first use.
func (m *Milvus) conn(ctx context.Context) (*milvusclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, milvusConnectTimeout)
		defer cancel()
	}

	cfg := m.clientConfig
	c, err := milvusclient.New(ctx, &cfg)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() != codes.Unavailable && st.Code() != codes.DeadlineExceeded {
			return nil, &StoreError{Op: "connect", Code: int(st.Code()), Message: st.Message()}
		}
		return nil, &ConnectivityError{Address: m.address, Err: err}
	}
	m.logger.Debug("connected to milvus", zap.String("address", m.address))
	m.client = c
	return c, nil
}

// listIndexes returns the index names of a collection. Milvus reports a
// collection without indexes as an error, which is mapped to no names.
func (m *Milvus) listIndexes(ctx context.Context, c *milvusclient.Client, name string) ([]string, error) {
	names, err := c.ListIndexes(ctx, milvusclient.NewListIndexOption(name))
	if err != nil {
		if milvusCode(err) == milvusIndexNotFound || strings.Contains(strings.ToLower(err.Error()), "index not found") {
			return nil, nil
		}
		return nil, err
	}
	return names, nil
}

// wrap maps SDK errors onto the store error taxonomy.
func (m *Milvus) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *StoreError
	if errors.As(err, &serr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityError{Address: m.address, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return &ConnectivityError{Address: m.address, Err: err}
		}
	}
	return &StoreError{Op: op, Code: milvusCode(err), Message: err.Error()}
}

// milvusCode extracts the Milvus error code the SDK attaches to server
// rejections, falling back to the gRPC status code.
func milvusCode(err error) int {
	var coded interface{ Code() int32 }
	if errors.As(err, &coded) {
		return int(coded.Code())
	}
	if st, ok := status.FromError(err); ok {
		return int(st.Code())
	}
	return 0
}

func fieldTypeName(t entity.FieldType) string {
	switch t {
	case entity.FieldTypeVarChar:
		return string(schema.VarChar)
	case entity.FieldTypeFloatVector:
		return string(schema.FloatVector)
	}
	return fmt.Sprintf("DataType(%d)", int32(t))
}

func loadStateName(state int32) string {
	switch state {
	case 1:
		return "LoadStateNotLoad"
	case 2:
		return "LoadStateLoading"
	case 3:
		return "LoadStateLoaded"
	}
	return "LoadStateNotExist"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

var _ Store = (*Milvus)(nil)
