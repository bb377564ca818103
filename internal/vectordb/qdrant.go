package vectordb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/schema"
)

// QdrantDefaultPort is the Qdrant gRPC port.
const QdrantDefaultPort = 6334

// Qdrant implements Store on top of the Qdrant gRPC API.
//
// The vector field becomes a named vector, the IP metric maps to Dot
// distance and the "index" is a pair of keyword payload indexes on the
// filterable fields. Upserts wait for completion, so Load is a no-op.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	health      pb.QdrantClient
	address     string
	token       string
	logger      *zap.Logger

	// distances caches the vector distance of each searched collection.
	mu        sync.Mutex
	distances map[string]pb.Distance
}

// filterFields are indexed as keywords so filtered searches stay fast.
var filterFields = []string{schema.FieldModuleName, schema.FieldIndexLevel}

// pointNamespace seeds the deterministic UUIDs derived from symbol ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("symbol-indexer"))

// NewQdrant creates a Qdrant client. The connection is established lazily.
func NewQdrant(cfg Config, logger *zap.Logger) (*Qdrant, error) {
	_, hostPort, err := ParseAddress(cfg.Address, QdrantDefaultPort)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := grpc.NewClient(hostPort, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &ConnectivityError{Address: hostPort, Err: err}
	}

	return &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		health:      pb.NewQdrantClient(conn),
		address:     hostPort,
		token:       cfg.Token,
		logger:      logger,
		distances:   make(map[string]pb.Distance),
	}, nil
}

// HasCollection reports whether the collection exists.
func (q *Qdrant) HasCollection(ctx context.Context, name string) (exists bool, err error) {
	ctx, done := q.start(ctx, "has_collection", name, &err)
	defer done()

	resp, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, q.wrap("has_collection", err)
	}
	return resp.GetResult().GetExists(), nil
}

// DropCollection removes the collection.
func (q *Qdrant) DropCollection(ctx context.Context, name string) (err error) {
	ctx, done := q.start(ctx, "drop_collection", name, &err)
	defer done()
	q.forgetDistance(name)

	_, err = q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	return q.wrap("drop_collection", err)
}

// CreateCollection creates the collection with a single named vector.
func (q *Qdrant) CreateCollection(ctx context.Context, coll schema.Collection) (err error) {
	ctx, done := q.start(ctx, "create_collection", coll.Name, &err)
	defer done()
	q.forgetDistance(coll.Name)

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: coll.Name,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_ParamsMap{
			ParamsMap: &pb.VectorParamsMap{Map: map[string]*pb.VectorParams{
				coll.VectorField: {
					Size:     uint64(coll.Dimension),
					Distance: distanceFor(schema.DefaultIndex(coll.VectorField).Metric),
				},
			}},
		}},
	})
	return q.wrap("create_collection", err)
}

// HasIndex reports whether the keyword payload indexes exist.
func (q *Qdrant) HasIndex(ctx context.Context, coll schema.Collection) (has bool, err error) {
	ctx, done := q.start(ctx, "list_indexes", coll.Name, &err)
	defer done()

	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: coll.Name})
	if err != nil {
		return false, q.wrap("list_indexes", err)
	}
	payload := resp.GetResult().GetPayloadSchema()
	for _, f := range filterFields {
		if _, ok := payload[f]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// CreateIndex creates keyword payload indexes on the filterable fields.
// Vector indexing (HNSW) is managed by Qdrant itself.
func (q *Qdrant) CreateIndex(ctx context.Context, coll schema.Collection, idx schema.Index) (err error) {
	ctx, done := q.start(ctx, "create_index", coll.Name, &err)
	defer done()

	wait := true
	fieldType := pb.FieldType_FieldTypeKeyword
	for _, f := range filterFields {
		_, err = q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: coll.Name,
			Wait:           &wait,
			FieldName:      f,
			FieldType:      &fieldType,
		})
		if err != nil {
			return q.wrap("create_index", err)
		}
	}
	q.logger.Debug("qdrant payload indexes created",
		zap.String("collection", coll.Name),
		zap.String("requested_index", idx.Name))
	return nil
}

// Insert upserts one batch of records and waits for it to be applied.
func (q *Qdrant) Insert(ctx context.Context, coll schema.Collection, records []schema.SymbolRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	ctx, done := q.start(ctx, "insert", coll.Name, &err)
	defer done()

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(schema.OutputFields()))
		for _, f := range schema.OutputFields() {
			payload[f] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: r.Value(f)}}
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vectors{
				Vectors: &pb.NamedVectors{Vectors: map[string]*pb.Vector{
					coll.VectorField: {Data: r.Vector},
				}},
			}},
			Payload: payload,
		}
	}

	wait := true
	_, err = q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: coll.Name,
		Wait:           &wait,
		Points:         points,
	})
	return q.wrap("insert", err)
}

// Load is a no-op: Qdrant serves points as soon as an upsert completes.
func (q *Qdrant) Load(ctx context.Context, name string) error {
	return nil
}

// Search runs a single similarity search. The structured filter is
// translated natively. The metric is fixed when the collection is created,
// so a request naming a different metric is rejected.
func (q *Qdrant) Search(ctx context.Context, req SearchRequest) (hits []RawHit, err error) {
	ctx, done := q.start(ctx, "search", req.Collection, &err)
	defer done()

	if req.Metric != "" {
		want, ok := metricDistance(req.Metric)
		if !ok {
			return nil, &StoreError{Op: "search", Message: fmt.Sprintf("unsupported metric %q", req.Metric)}
		}
		have, err := q.distance(ctx, req.Collection, req.VectorField)
		if err != nil {
			return nil, err
		}
		if have != want {
			return nil, &StoreError{
				Op:      "search",
				Message: fmt.Sprintf("metric %s does not match collection distance %s", strings.ToUpper(req.Metric), have),
			}
		}
	}

	vectorName := req.VectorField
	search := &pb.SearchPoints{
		CollectionName: req.Collection,
		Vector:         req.Vector,
		VectorName:     &vectorName,
		Limit:          uint64(req.Limit),
		Filter:         qdrantFilter(req.Filter),
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
			Include: &pb.PayloadIncludeSelector{Fields: req.OutputFields},
		}},
	}
	if ef, ok := toFloat(req.Params["hnsw_ef"]); ok && ef > 0 {
		hnswEf := uint64(ef)
		search.Params = &pb.SearchParams{HnswEf: &hnswEf}
	}

	resp, err := q.points.Search(ctx, search)
	if err != nil {
		return nil, q.wrap("search", err)
	}

	hits = make([]RawHit, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		fields := make(map[string]any, len(pt.GetPayload()))
		for k, v := range pt.GetPayload() {
			fields[k] = v.GetStringValue()
		}
		hits[i] = RawHit{Score: float64(pt.GetScore()), Fields: fields}
	}
	return hits, nil
}

// Describe reports the vector parameters and payload indexes.
func (q *Qdrant) Describe(ctx context.Context, name string) (info *CollectionInfo, err error) {
	ctx, done := q.start(ctx, "describe_collection", name, &err)
	defer done()

	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return nil, q.wrap("describe_collection", err)
	}
	result := resp.GetResult()

	info = &CollectionInfo{
		Name:      name,
		LoadState: strings.ToLower(result.GetStatus().String()),
	}
	vectors := result.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
	for field, params := range vectors {
		info.Fields = append(info.Fields, FieldInfo{
			Name: field,
			Type: string(schema.FloatVector),
			Params: map[string]string{
				"dim":      fmt.Sprint(params.GetSize()),
				"distance": params.GetDistance().String(),
			},
		})
	}
	for field, ps := range result.GetPayloadSchema() {
		info.Indexes = append(info.Indexes, IndexInfo{
			Field: field,
			Name:  field,
			Type:  ps.GetDataType().String(),
		})
	}
	return info, nil
}

// Health checks if Qdrant is available.
func (q *Qdrant) Health(ctx context.Context) error {
	_, err := q.health.HealthCheck(q.authorize(ctx), &pb.HealthCheckRequest{})
	return q.wrap("health", err)
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

// PointID maps a symbol id onto the deterministic UUID Qdrant stores it under.
func PointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func (q *Qdrant) start(ctx context.Context, op, collection string, errp *error) (context.Context, func()) {
	ctx, span := observability.StartStoreSpan(ctx, "qdrant", op, collection)
	return q.authorize(ctx), func() {
		observability.RecordError(span, *errp)
		span.End()
	}
}

func (q *Qdrant) authorize(ctx context.Context) context.Context {
	if q.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", q.token)
}

// wrap maps gRPC status codes onto the store error taxonomy.
func (q *Qdrant) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &ConnectivityError{Address: q.address, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &ConnectivityError{Address: q.address, Err: err}
	}
	return &StoreError{Op: op, Code: int(st.Code()), Message: st.Message()}
}

// distance returns the distance the collection's vector field was created
// with, asking Qdrant once per collection.
func (q *Qdrant) distance(ctx context.Context, collection, field string) (pb.Distance, error) {
	q.mu.Lock()
	d, ok := q.distances[collection]
	q.mu.Unlock()
	if ok {
		return d, nil
	}

	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: collection})
	if err != nil {
		return 0, q.wrap("search", err)
	}
	vectors := resp.GetResult().GetConfig().GetParams().GetVectorsConfig()
	if params, ok := vectors.GetParamsMap().GetMap()[field]; ok {
		d = params.GetDistance()
	} else if params := vectors.GetParams(); params != nil {
		d = params.GetDistance()
	} else {
		return 0, &StoreError{Op: "search", Message: fmt.Sprintf("collection %s has no vector %q", collection, field)}
	}

	q.mu.Lock()
	q.distances[collection] = d
	q.mu.Unlock()
	return d, nil
}

func (q *Qdrant) forgetDistance(collection string) {
	q.mu.Lock()
	delete(q.distances, collection)
	q.mu.Unlock()
}

func qdrantFilter(f Filter) *pb.Filter {
	if f.IsEmpty() {
		return nil
	}
	filter := &pb.Filter{}
	if f.Module != "" {
		filter.Must = append(filter.Must, keywordCondition(schema.FieldModuleName, &pb.Match{
			MatchValue: &pb.Match_Keyword{Keyword: f.Module},
		}))
	}
	if len(f.Levels) > 0 {
		filter.Must = append(filter.Must, keywordCondition(schema.FieldIndexLevel, &pb.Match{
			MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: f.Levels}},
		}))
	}
	return filter
}

func keywordCondition(key string, match *pb.Match) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{Key: key, Match: match},
	}}
}

// distanceFor maps a metric onto a Qdrant distance, defaulting to Dot.
func distanceFor(metric string) pb.Distance {
	if d, ok := metricDistance(metric); ok {
		return d
	}
	return pb.Distance_Dot
}

func metricDistance(metric string) (pb.Distance, bool) {
	switch strings.ToUpper(metric) {
	case "IP":
		return pb.Distance_Dot, true
	case "L2":
		return pb.Distance_Euclid, true
	case "COSINE":
		return pb.Distance_Cosine, true
	}
	return 0, false
}

var _ Store = (*Qdrant)(nil)
