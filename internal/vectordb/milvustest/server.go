// Package milvustest provides an in-memory Milvus gRPC server for tests.
// It implements the MilvusService calls the Go SDK makes for the indexer,
// computes similarity scores itself and evaluates the equality/and/or
// filter expressions the query path produces.
package milvustest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/protobuf/proto"
	"github.com/milvus-io/milvus-proto/go-api/v2/commonpb"
	"github.com/milvus-io/milvus-proto/go-api/v2/milvuspb"
	"github.com/milvus-io/milvus-proto/go-api/v2/schemapb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Milvus error codes returned by the fake.
const (
	codeCollectionNotFound = 100
	codeNotLoaded          = 101
	codeIndexNotFound      = 700
	codeInvalidArgument    = 1100
	codeUnexpected         = 65535
)

// Server is a fake Milvus. Create it with NewServer and Close it when done.
type Server struct {
	milvuspb.UnimplementedMilvusServiceServer

	grpc     *grpc.Server
	listener net.Listener

	mu           sync.Mutex
	collections  map[string]*collection
	calls        map[string]int
	metadata     map[string]string
	reject       codes.Code
	insertSizes  []int
	failInsertAt int
	nextID       int64
}

type index struct {
	Field  string
	Name   string
	Params []*commonpb.KeyValuePair
}

func (i index) param(key string) string {
	for _, kv := range i.Params {
		if kv.GetKey() == key {
			return kv.GetValue()
		}
	}
	return ""
}

type collection struct {
	id      int64
	schema  *schemapb.CollectionSchema
	indexes []index
	rows    []map[string]any
	loaded  bool
}

// NewServer starts a fake Milvus server on a loopback port.
func NewServer() *Server {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("milvustest: failed to listen: %v", err))
	}
	s := &Server{
		listener:    lis,
		collections: make(map[string]*collection),
		calls:       make(map[string]int),
		metadata:    make(map[string]string),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.intercept))
	milvuspb.RegisterMilvusServiceServer(s.grpc, s)
	go s.grpc.Serve(lis)
	return s
}

// Address returns the host:port the server listens on.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Close stops the server.
func (s *Server) Close() {
	s.grpc.Stop()
}

// Calls returns how many times the named RPC (e.g. "CreateCollection") was
// invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Metadata returns the last value received for a request metadata key.
func (s *Server) Metadata(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[key]
}

// Reject makes every subsequent call fail with the given gRPC code.
func (s *Server) Reject(code codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = code
}

// InsertBatchSizes returns the row count of every insert call, in order.
func (s *Server) InsertBatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.insertSizes))
	copy(out, s.insertSizes)
	return out
}

// FailInsertAt makes the n-th insert call (1-based) fail.
func (s *Server) FailInsertAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsertAt = n
}

// RowCount returns how many rows the collection holds, or -1 if it does
// not exist.
func (s *Server) RowCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return -1
	}
	return len(c.rows)
}

// Loaded reports whether the collection has been loaded.
func (s *Server) Loaded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	return ok && c.loaded
}

func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]

	s.mu.Lock()
	s.calls[method]++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, v := range md {
			if len(v) > 0 {
				s.metadata[k] = v[len(v)-1]
			}
		}
	}
	reject := s.reject
	s.mu.Unlock()

	if reject != codes.OK {
		return nil, status.Error(reject, "rejected by test server")
	}
	return handler(ctx, req)
}

func success() *commonpb.Status {
	return &commonpb.Status{}
}

func failure(code int32, format string, args ...any) *commonpb.Status {
	ec := commonpb.ErrorCode_UnexpectedError
	switch code {
	case codeCollectionNotFound:
		ec = commonpb.ErrorCode_CollectionNotExists
	case codeIndexNotFound:
		ec = commonpb.ErrorCode_IndexNotExist
	case codeInvalidArgument:
		ec = commonpb.ErrorCode_IllegalArgument
	}
	return &commonpb.Status{ErrorCode: ec, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func notFound(name string) *commonpb.Status {
	return failure(codeCollectionNotFound, "can't find collection[database=default][collection=%s]", name)
}

// Connect accepts every client.
func (s *Server) Connect(context.Context, *milvuspb.ConnectRequest) (*milvuspb.ConnectResponse, error) {
	return &milvuspb.ConnectResponse{
		Status:     success(),
		ServerInfo: &commonpb.ServerInfo{BuildTags: "v2.6.0"},
		Identifier: 1,
	}, nil
}

func (s *Server) HasCollection(_ context.Context, req *milvuspb.HasCollectionRequest) (*milvuspb.BoolResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[req.GetCollectionName()]
	return &milvuspb.BoolResponse{Status: success(), Value: ok}, nil
}

func (s *Server) ShowCollections(context.Context, *milvuspb.ShowCollectionsRequest) (*milvuspb.ShowCollectionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return &milvuspb.ShowCollectionsResponse{Status: success(), CollectionNames: names}, nil
}

func (s *Server) DropCollection(_ context.Context, req *milvuspb.DropCollectionRequest) (*commonpb.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, req.GetCollectionName())
	return success(), nil
}

func (s *Server) CreateCollection(_ context.Context, req *milvuspb.CreateCollectionRequest) (*commonpb.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetCollectionName()
	if _, ok := s.collections[name]; ok {
		return failure(codeUnexpected, "collection %s already exists", name), nil
	}
	sch := &schemapb.CollectionSchema{}
	if err := proto.Unmarshal(req.GetSchema(), sch); err != nil {
		return failure(codeInvalidArgument, "can't decode schema: %v", err), nil
	}
	if len(sch.GetFields()) == 0 {
		return failure(codeInvalidArgument, "schema has no fields"), nil
	}
	for i, f := range sch.GetFields() {
		f.FieldID = int64(100 + i)
		if f.GetDataType() == schemapb.DataType_FloatVector && typeParam(f, "dim") <= 0 {
			return failure(codeInvalidArgument, "vector field requires dim"), nil
		}
	}
	s.nextID++
	s.collections[name] = &collection{id: s.nextID, schema: sch}
	return success(), nil
}

func (s *Server) DescribeCollection(_ context.Context, req *milvuspb.DescribeCollectionRequest) (*milvuspb.DescribeCollectionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.DescribeCollectionResponse{Status: notFound(name)}, nil
	}
	return &milvuspb.DescribeCollectionResponse{
		Status:         success(),
		Schema:         c.schema,
		CollectionID:   c.id,
		CollectionName: name,
		ShardsNum:      1,
	}, nil
}

func (s *Server) CreateIndex(_ context.Context, req *milvuspb.CreateIndexRequest) (*commonpb.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return notFound(name), nil
	}
	for _, existing := range c.indexes {
		if existing.Field == req.GetFieldName() {
			return failure(codeUnexpected, "at most one distinct index is allowed per field"), nil
		}
	}
	c.indexes = append(c.indexes, index{
		Field:  req.GetFieldName(),
		Name:   req.GetIndexName(),
		Params: req.GetExtraParams(),
	})
	return success(), nil
}

func (s *Server) DescribeIndex(_ context.Context, req *milvuspb.DescribeIndexRequest) (*milvuspb.DescribeIndexResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.DescribeIndexResponse{Status: notFound(name)}, nil
	}
	var descs []*milvuspb.IndexDescription
	for _, idx := range c.indexes {
		if req.GetFieldName() != "" && idx.Field != req.GetFieldName() {
			continue
		}
		if req.GetIndexName() != "" && idx.Name != req.GetIndexName() {
			continue
		}
		descs = append(descs, &milvuspb.IndexDescription{
			IndexName:   idx.Name,
			FieldName:   idx.Field,
			Params:      idx.Params,
			State:       commonpb.IndexState_Finished,
			TotalRows:   int64(len(c.rows)),
			IndexedRows: int64(len(c.rows)),
		})
	}
	if len(descs) == 0 {
		return &milvuspb.DescribeIndexResponse{Status: failure(codeIndexNotFound, "index not found[collection=%s]", name)}, nil
	}
	return &milvuspb.DescribeIndexResponse{Status: success(), IndexDescriptions: descs}, nil
}

func (s *Server) LoadCollection(_ context.Context, req *milvuspb.LoadCollectionRequest) (*commonpb.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return notFound(name), nil
	}
	if len(c.indexes) == 0 {
		return failure(codeIndexNotFound, "index not found[collection=%s]", name), nil
	}
	c.loaded = true
	return success(), nil
}

func (s *Server) GetLoadingProgress(_ context.Context, req *milvuspb.GetLoadingProgressRequest) (*milvuspb.GetLoadingProgressResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.GetLoadingProgressResponse{Status: notFound(name)}, nil
	}
	var progress int64
	if c.loaded {
		progress = 100
	}
	return &milvuspb.GetLoadingProgressResponse{Status: success(), Progress: progress}, nil
}

func (s *Server) GetLoadState(_ context.Context, req *milvuspb.GetLoadStateRequest) (*milvuspb.GetLoadStateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.GetLoadStateResponse{Status: notFound(name)}, nil
	}
	state := commonpb.LoadState_LoadStateNotLoad
	if c.loaded {
		state = commonpb.LoadState_LoadStateLoaded
	}
	return &milvuspb.GetLoadStateResponse{Status: success(), State: state}, nil
}

func (s *Server) Insert(_ context.Context, req *milvuspb.InsertRequest) (*milvuspb.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.MutationResult{Status: notFound(name)}, nil
	}
	n := int(req.GetNumRows())
	s.insertSizes = append(s.insertSizes, n)
	if s.failInsertAt > 0 && len(s.insertSizes) == s.failInsertAt {
		return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "injected insert failure")}, nil
	}

	columns := make(map[string]*schemapb.FieldData, len(req.GetFieldsData()))
	for _, fd := range req.GetFieldsData() {
		columns[fd.GetFieldName()] = fd
	}

	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = make(map[string]any, len(c.schema.GetFields()))
	}
	var ids []string
	for _, f := range c.schema.GetFields() {
		fd, ok := columns[f.GetName()]
		if !ok {
			return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "missing field %s", f.GetName())}, nil
		}
		switch f.GetDataType() {
		case schemapb.DataType_VarChar:
			values := fd.GetScalars().GetStringData().GetData()
			if len(values) != n {
				return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "field %s has %d rows, expected %d", f.GetName(), len(values), n)}, nil
			}
			maxLen := typeParam(f, "max_length")
			for i, v := range values {
				if len(v) > maxLen {
					return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "length of %s exceeds max length %d", f.GetName(), maxLen)}, nil
				}
				rows[i][f.GetName()] = v
			}
			if f.GetIsPrimaryKey() {
				ids = values
			}
		case schemapb.DataType_FloatVector:
			dim := typeParam(f, "dim")
			vec := fd.GetVectors()
			if int(vec.GetDim()) != dim {
				return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "the dim (%d) of field data(%s) is not equal to schema dim (%d)", vec.GetDim(), f.GetName(), dim)}, nil
			}
			data := vec.GetFloatVector().GetData()
			if len(data) != n*dim {
				return &milvuspb.MutationResult{Status: failure(codeInvalidArgument, "field %s has %d values, expected %d", f.GetName(), len(data), n*dim)}, nil
			}
			for i := range rows {
				rows[i][f.GetName()] = append([]float32(nil), data[i*dim:(i+1)*dim]...)
			}
		}
	}
	c.rows = append(c.rows, rows...)

	return &milvuspb.MutationResult{
		Status:    success(),
		IDs:       &schemapb.IDs{IdField: &schemapb.IDs_StrId{StrId: &schemapb.StringArray{Data: ids}}},
		InsertCnt: int64(n),
	}, nil
}

func (s *Server) Search(_ context.Context, req *milvuspb.SearchRequest) (*milvuspb.SearchResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.GetCollectionName()
	c, ok := s.collections[name]
	if !ok {
		return &milvuspb.SearchResults{Status: notFound(name)}, nil
	}
	if !c.loaded {
		return &milvuspb.SearchResults{Status: failure(codeNotLoaded, "collection not loaded[collection=%s]", name)}, nil
	}

	params := make(map[string]string, len(req.GetSearchParams()))
	for _, kv := range req.GetSearchParams() {
		params[kv.GetKey()] = kv.GetValue()
	}
	annsField := params["anns_field"]

	query, err := decodeQuery(req.GetPlaceholderGroup())
	if err != nil {
		return &milvuspb.SearchResults{Status: failure(codeInvalidArgument, "%v", err)}, nil
	}

	metric := ""
	for _, idx := range c.indexes {
		if annsField == "" || idx.Field == annsField {
			annsField = idx.Field
			metric = strings.ToUpper(idx.param("metric_type"))
		}
	}
	if m := strings.ToUpper(params["metric_type"]); m != "" {
		if metric != "" && m != metric {
			return &milvuspb.SearchResults{Status: failure(codeInvalidArgument, "metric type not match: invalid parameter[expected=%s][actual=%s]", metric, m)}, nil
		}
		metric = m
	}

	var pred predicate = func(map[string]any) bool { return true }
	if expr := req.GetDsl(); expr != "" {
		p, err := parseExpr(expr)
		if err != nil {
			return &milvuspb.SearchResults{Status: failure(codeInvalidArgument, "failed to create query plan: %v", err)}, nil
		}
		pred = p
	}

	type scored struct {
		row   map[string]any
		score float64
	}
	var matches []scored
	for _, row := range c.rows {
		if !pred(row) {
			continue
		}
		vec, _ := row[annsField].([]float32)
		if len(vec) != len(query) {
			return &milvuspb.SearchResults{Status: failure(codeInvalidArgument, "query vector dimension mismatch")}, nil
		}
		matches = append(matches, scored{row: row, score: score(metric, query, vec)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if metric == "L2" {
			return matches[i].score < matches[j].score
		}
		return matches[i].score > matches[j].score
	})

	limit, _ := strconv.Atoi(params["topk"])
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	pk := ""
	for _, f := range c.schema.GetFields() {
		if f.GetIsPrimaryKey() {
			pk = f.GetName()
		}
	}
	scores := make([]float32, len(matches))
	ids := make([]string, len(matches))
	for i, m := range matches {
		scores[i] = float32(m.score)
		ids[i], _ = m.row[pk].(string)
	}

	var fieldsData []*schemapb.FieldData
	var outputFields []string
	for _, f := range c.schema.GetFields() {
		if f.GetDataType() != schemapb.DataType_VarChar || !contains(req.GetOutputFields(), f.GetName()) {
			continue
		}
		values := make([]string, len(matches))
		for i, m := range matches {
			values[i], _ = m.row[f.GetName()].(string)
		}
		outputFields = append(outputFields, f.GetName())
		fieldsData = append(fieldsData, &schemapb.FieldData{
			Type:      schemapb.DataType_VarChar,
			FieldName: f.GetName(),
			FieldId:   f.GetFieldID(),
			Field: &schemapb.FieldData_Scalars{Scalars: &schemapb.ScalarField{
				Data: &schemapb.ScalarField_StringData{StringData: &schemapb.StringArray{Data: values}},
			}},
		})
	}

	return &milvuspb.SearchResults{
		Status: success(),
		Results: &schemapb.SearchResultData{
			NumQueries:   1,
			TopK:         int64(len(matches)),
			Topks:        []int64{int64(len(matches))},
			Scores:       scores,
			Ids:          &schemapb.IDs{IdField: &schemapb.IDs_StrId{StrId: &schemapb.StringArray{Data: ids}}},
			FieldsData:   fieldsData,
			OutputFields: outputFields,
		},
		CollectionName: name,
	}, nil
}

// decodeQuery extracts the single float vector of a placeholder group.
func decodeQuery(raw []byte) ([]float32, error) {
	group := &commonpb.PlaceholderGroup{}
	if err := proto.Unmarshal(raw, group); err != nil {
		return nil, fmt.Errorf("can't decode placeholder group: %w", err)
	}
	if len(group.GetPlaceholders()) != 1 || len(group.GetPlaceholders()[0].GetValues()) != 1 {
		return nil, fmt.Errorf("exactly one query vector is supported")
	}
	if group.GetPlaceholders()[0].GetType() != commonpb.PlaceholderType_FloatVector {
		return nil, fmt.Errorf("only float vectors are supported")
	}
	b := group.GetPlaceholders()[0].GetValues()[0]
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("malformed float vector of %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func typeParam(f *schemapb.FieldSchema, key string) int {
	for _, kv := range f.GetTypeParams() {
		if kv.GetKey() == key {
			n, _ := strconv.Atoi(kv.GetValue())
			return n
		}
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func score(metric string, a, b []float32) float64 {
	switch metric {
	case "L2":
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum
	case "COSINE":
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	default:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}

// predicate reports whether a row matches a filter expression.
type predicate func(row map[string]any) bool

// parseExpr parses the expression subset `field == "literal"` combined
// with and, or and parentheses.
func parseExpr(expr string) (predicate, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	pred, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos].text)
	}
	return pred, nil
}

type token struct {
	kind string // ident, string, op, lparen, rparen
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(':
			toks = append(toks, token{kind: "lparen", text: "("})
			i++
		case ch == ')':
			toks = append(toks, token{kind: "rparen", text: ")"})
			i++
		case ch == '=' && i+1 < len(s) && s[i+1] == '=':
			toks = append(toks, token{kind: "op", text: "=="})
			i += 2
		case ch == '"':
			var buf bytes.Buffer
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					buf.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					i++
					break
				}
				buf.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{kind: "string", text: buf.String()})
		case ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z'):
			start := i
			for i < len(s) && (s[i] == '_' || (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') || (s[i] >= '0' && s[i] <= '9')) {
				i++
			}
			toks = append(toks, token{kind: "ident", text: s[start:i]})
		default:
			return nil, fmt.Errorf("unexpected character %q", ch)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peekKeyword(kw string) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == "ident" && strings.EqualFold(p.toks[p.pos].text, kw)
}

func (p *parser) or() (predicate, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("or") {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(row map[string]any) bool { return l(row) || r(row) }
	}
	return left, nil
}

func (p *parser) and() (predicate, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("and") {
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(row map[string]any) bool { return l(row) && r(row) }
	}
	return left, nil
}

func (p *parser) term() (predicate, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if p.toks[p.pos].kind == "lparen" {
		p.pos++
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	if p.pos+2 >= len(p.toks) {
		return nil, fmt.Errorf("incomplete comparison")
	}
	ident, op, lit := p.toks[p.pos], p.toks[p.pos+1], p.toks[p.pos+2]
	if ident.kind != "ident" || op.kind != "op" || lit.kind != "string" {
		return nil, fmt.Errorf("expected field == \"literal\"")
	}
	p.pos += 3
	return func(row map[string]any) bool {
		v, _ := row[ident.text].(string)
		return v == lit.text
	}, nil
}
