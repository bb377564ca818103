// Package qdranttest provides an in-memory Qdrant gRPC server for tests.
// It implements the Collections, Points and Qdrant service calls the store
// makes, scores points itself and evaluates keyword match filters.
package qdranttest

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server is a fake Qdrant. Create it with NewServer and Close it when done.
type Server struct {
	grpc     *grpc.Server
	listener net.Listener

	mu          sync.Mutex
	collections map[string]*collection
	calls       map[string]int
	metadata    map[string]string
}

type collection struct {
	vectors map[string]*pb.VectorParams
	payload map[string]*pb.PayloadSchemaInfo
	points  map[string]*pb.PointStruct
	order   []string
}

// NewServer starts a fake Qdrant server on a loopback port.
func NewServer() *Server {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("qdranttest: failed to listen: %v", err))
	}
	s := &Server{
		listener:    lis,
		collections: make(map[string]*collection),
		calls:       make(map[string]int),
		metadata:    make(map[string]string),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.intercept))
	pb.RegisterCollectionsServer(s.grpc, &collectionsService{s: s})
	pb.RegisterPointsServer(s.grpc, &pointsService{s: s})
	pb.RegisterQdrantServer(s.grpc, &qdrantService{})
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

// Calls returns how many times the named RPC was invoked. Names carry the
// service, e.g. "Collections/Create" or "Points/Upsert".
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

// Point returns the stored point with the given UUID, or nil.
func (s *Server) Point(collectionName, id string) *pb.PointStruct {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return nil
	}
	return c.points[id]
}

// PointCount returns how many points the collection holds, or -1 if it
// does not exist.
func (s *Server) PointCount(collectionName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return -1
	}
	return len(c.points)
}

func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := strings.TrimPrefix(strings.TrimPrefix(info.FullMethod, "/"), "qdrant.")

	s.mu.Lock()
	s.calls[method]++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, v := range md {
			if len(v) > 0 {
				s.metadata[k] = v[len(v)-1]
			}
		}
	}
	s.mu.Unlock()

	return handler(ctx, req)
}

func (s *Server) lookup(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Collection `%s` doesn't exist!", name)
	}
	return c, nil
}

type collectionsService struct {
	pb.UnimplementedCollectionsServer
	s *Server
}

func (c *collectionsService) CollectionExists(_ context.Context, req *pb.CollectionExistsRequest) (*pb.CollectionExistsResponse, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, ok := c.s.collections[req.GetCollectionName()]
	return &pb.CollectionExistsResponse{Result: &pb.CollectionExists{Exists: ok}}, nil
}

func (c *collectionsService) Create(_ context.Context, req *pb.CreateCollection) (*pb.CollectionOperationResponse, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	name := req.GetCollectionName()
	if _, ok := c.s.collections[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Collection `%s` already exists!", name)
	}
	vectors := req.GetVectorsConfig().GetParamsMap().GetMap()
	if len(vectors) == 0 {
		return nil, status.Error(codes.InvalidArgument, "only named vectors are supported")
	}
	c.s.collections[name] = &collection{
		vectors: vectors,
		payload: make(map[string]*pb.PayloadSchemaInfo),
		points:  make(map[string]*pb.PointStruct),
	}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (c *collectionsService) Delete(_ context.Context, req *pb.DeleteCollection) (*pb.CollectionOperationResponse, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, ok := c.s.collections[req.GetCollectionName()]
	delete(c.s.collections, req.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: ok}, nil
}

func (c *collectionsService) Get(_ context.Context, req *pb.GetCollectionInfoRequest) (*pb.GetCollectionInfoResponse, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	coll, err := c.s.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	points := uint64(len(coll.points))
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		Status: pb.CollectionStatus_Green,
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{Map: coll.vectors},
			}},
		}},
		PayloadSchema: coll.payload,
		PointsCount:   &points,
	}}, nil
}

type pointsService struct {
	pb.UnimplementedPointsServer
	s *Server
}

func completed() *pb.PointsOperationResponse {
	return &pb.PointsOperationResponse{Result: &pb.UpdateResult{Status: pb.UpdateStatus_Completed}}
}

func (p *pointsService) CreateFieldIndex(_ context.Context, req *pb.CreateFieldIndexCollection) (*pb.PointsOperationResponse, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	coll, err := p.s.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	if req.GetFieldType() != pb.FieldType_FieldTypeKeyword {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported field type %s", req.GetFieldType())
	}
	coll.payload[req.GetFieldName()] = &pb.PayloadSchemaInfo{DataType: pb.PayloadSchemaType_Keyword}
	return completed(), nil
}

func (p *pointsService) Upsert(_ context.Context, req *pb.UpsertPoints) (*pb.PointsOperationResponse, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	coll, err := p.s.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	for _, pt := range req.GetPoints() {
		id := pt.GetId().GetUuid()
		if id == "" {
			return nil, status.Error(codes.InvalidArgument, "only UUID point ids are supported")
		}
		for name, vec := range pt.GetVectors().GetVectors().GetVectors() {
			params, ok := coll.vectors[name]
			if !ok {
				return nil, status.Errorf(codes.InvalidArgument, "Wrong input: Not existing vector name error: %s", name)
			}
			if uint64(len(vec.GetData())) != params.GetSize() {
				return nil, status.Errorf(codes.InvalidArgument, "Wrong input: Vector dimension error: expected dim: %d, got %d", params.GetSize(), len(vec.GetData()))
			}
		}
		if _, ok := coll.points[id]; !ok {
			coll.order = append(coll.order, id)
		}
		coll.points[id] = pt
	}
	return completed(), nil
}

func (p *pointsService) Search(_ context.Context, req *pb.SearchPoints) (*pb.SearchResponse, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	coll, err := p.s.lookup(req.GetCollectionName())
	if err != nil {
		return nil, err
	}
	params, ok := coll.vectors[req.GetVectorName()]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "Wrong input: Not existing vector name error: %s", req.GetVectorName())
	}
	if uint64(len(req.GetVector())) != params.GetSize() {
		return nil, status.Errorf(codes.InvalidArgument, "Wrong input: Vector dimension error: expected dim: %d, got %d", params.GetSize(), len(req.GetVector()))
	}

	var include []string
	if sel := req.GetWithPayload().GetInclude(); sel != nil {
		include = sel.GetFields()
	}

	var result []*pb.ScoredPoint
	for _, id := range coll.order {
		pt := coll.points[id]
		if !matches(req.GetFilter(), pt.GetPayload()) {
			continue
		}
		vec := pt.GetVectors().GetVectors().GetVectors()[req.GetVectorName()].GetData()
		result = append(result, &pb.ScoredPoint{
			Id:      pt.GetId(),
			Payload: project(pt.GetPayload(), include),
			Score:   score(params.GetDistance(), req.GetVector(), vec),
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		if params.GetDistance() == pb.Distance_Euclid {
			return result[i].GetScore() < result[j].GetScore()
		}
		return result[i].GetScore() > result[j].GetScore()
	})
	if limit := int(req.GetLimit()); limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return &pb.SearchResponse{Result: result}, nil
}

type qdrantService struct {
	pb.UnimplementedQdrantServer
}

func (qdrantService) HealthCheck(context.Context, *pb.HealthCheckRequest) (*pb.HealthCheckReply, error) {
	return &pb.HealthCheckReply{Title: "qdranttest", Version: "1.16.0"}, nil
}

// matches evaluates the Must keyword conditions of a filter.
func matches(f *pb.Filter, payload map[string]*pb.Value) bool {
	for _, cond := range f.GetMust() {
		field := cond.GetField()
		if field.GetMatch() == nil {
			return false
		}
		value := payload[field.GetKey()].GetStringValue()
		switch m := field.GetMatch().MatchValue.(type) {
		case *pb.Match_Keyword:
			if value != m.Keyword {
				return false
			}
		case *pb.Match_Keywords:
			found := false
			for _, kw := range m.Keywords.GetStrings() {
				if value == kw {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func project(payload map[string]*pb.Value, include []string) map[string]*pb.Value {
	if len(include) == 0 {
		return payload
	}
	out := make(map[string]*pb.Value, len(include))
	for _, k := range include {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}

func score(d pb.Distance, a, b []float32) float32 {
	switch d {
	case pb.Distance_Euclid:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return float32(math.Sqrt(sum))
	case pb.Distance_Cosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	default:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(dot)
	}
}
