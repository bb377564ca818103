package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/api"
	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/indexer"
	"github.com/iasik/symbol-indexer/internal/query"
	"github.com/iasik/symbol-indexer/internal/rerank"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
	"github.com/iasik/symbol-indexer/internal/vectordb/milvustest"
)

// keywordEmbedder maps text onto counts of a fixed vocabulary.
type keywordEmbedder struct {
	vocab []string
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(k.vocab))
	for i, w := range k.vocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	return vec, nil
}

func (k *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = k.Embed(ctx, t)
	}
	return out, nil
}

func (k *keywordEmbedder) ModelInfo() embedder.ModelInfo {
	return embedder.ModelInfo{Provider: "keyword", Model: "keyword-v1", Dimensions: len(k.vocab)}
}

func (k *keywordEmbedder) Health(context.Context) error { return nil }

func (k *keywordEmbedder) Close() error { return nil }

var _ = Describe("symbol store", func() {
	var (
		ctx   context.Context
		srv   *milvustest.Server
		store *vectordb.Milvus
		coll  schema.Collection
	)

	BeforeEach(func() {
		ctx = context.Background()
		srv = milvustest.NewServer()
		DeferCleanup(srv.Close)

		var err error
		store, err = vectordb.NewMilvus(vectordb.Config{Address: srv.Address()}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		coll = schema.Collection{Name: "symbols", VectorField: "embedding", Dimension: 3}
	})

	Context("provisioning", func() {
		It("creates the collection once", func() {
			manager := indexer.NewSchemaManager(zap.NewNop())
			for i := 0; i < 3; i++ {
				_, err := manager.EnsureCollection(ctx, store, coll, false)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(srv.Calls("CreateCollection")).To(Equal(1))
			Expect(srv.Calls("CreateIndex")).To(Equal(1))
		})

		It("drops existing rows on reset", func() {
			manager := indexer.NewSchemaManager(zap.NewNop())
			_, err := manager.EnsureCollection(ctx, store, coll, false)
			Expect(err).NotTo(HaveOccurred())
			_, err = indexer.NewPipeline(zap.NewNop(), io.Discard).Ingest(ctx, store, coll, []schema.SymbolRecord{
				{ID: "a", Vector: []float32{1, 0, 0}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.RowCount("symbols")).To(Equal(1))

			_, err = manager.EnsureCollection(ctx, store, coll, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.RowCount("symbols")).To(Equal(0))
		})
	})

	Context("ingest then query", func() {
		BeforeEach(func() {
			_, err := indexer.NewSchemaManager(zap.NewNop()).EnsureCollection(ctx, store, coll, false)
			Expect(err).NotTo(HaveOccurred())

			var out bytes.Buffer
			res, err := indexer.NewPipeline(zap.NewNop(), &out).Ingest(ctx, store, coll, []schema.SymbolRecord{
				{ID: "a", IndexLevel: "class", ModuleName: "shop", Summary: "first", Metadata: `{"k":1}`, Vector: []float32{1, 0, 0}},
				{ID: "b", IndexLevel: "method", ModuleName: "billing", Summary: "second", Vector: []float32{0, 1, 0}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Loaded).To(BeTrue())
			Expect(out.String()).To(ContainSubstring("Milvus ingestion done."))
		})

		search := func(req *query.Request) []query.Hit {
			req.CollectionName = coll.Name
			req.VectorField = coll.VectorField
			req.ApplyDefaults()
			Expect(req.Validate()).To(Succeed())
			resp, err := query.Run(ctx, store, query.NewPlanner(zap.NewNop()), req)
			Expect(err).NotTo(HaveOccurred())
			return resp.Results
		}

		It("returns the nearest row with an exact score", func() {
			hits := search(&query.Request{Vector: []float32{1, 0, 0}, Limit: 1})
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].String(schema.FieldID)).To(Equal("a"))
			Expect(hits[0].Score).To(BeNumerically("~", 1.0, 1e-6))
		})

		It("round-trips the summary and metadata", func() {
			hits := search(&query.Request{Vector: []float32{1, 0, 0}, Limit: 1})
			Expect(hits[0].String(schema.FieldSummary)).To(Equal("first"))
			Expect(hits[0].String(schema.FieldMetadata)).To(Equal(`{"k":1}`))
		})

		It("applies module and level filters", func() {
			hits := search(&query.Request{Vector: []float32{1, 0, 0}, ModuleFilter: "billing"})
			Expect(hits).To(HaveLen(1))
			Expect(hits[0].String(schema.FieldID)).To(Equal("b"))

			hits = search(&query.Request{Vector: []float32{1, 0, 0}, Levels: []string{"method", "class"}})
			Expect(hits).To(HaveLen(2))

			hits = search(&query.Request{Vector: []float32{1, 0, 0}, ModuleFilter: "nowhere"})
			Expect(hits).To(BeEmpty())
		})
	})
})

var _ = Describe("rerank service", func() {
	var server *httptest.Server

	BeforeEach(func() {
		emb := &keywordEmbedder{vocab: []string{"cart", "invoice", "total"}}
		svc := rerank.NewService(rerank.NewEmbeddingScorer(emb), time.Second, zap.NewNop())
		server = httptest.NewServer(svc.Routes())
		DeferCleanup(server.Close)
	})

	post := func(body string) *http.Response {
		resp, err := http.Post(server.URL+"/rerank", "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	It("rejects an empty document list", func() {
		resp := post(`{"query": "cart", "documents": []}`)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		var body map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["detail"]).To(Equal("documents must not be empty"))
	})

	It("orders documents by relevance", func() {
		client := rerank.NewClient(server.URL, time.Second)
		defer client.Close()

		results, err := client.Rerank(context.Background(), "invoice total", []string{"cart", "invoice total", "invoice"}, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		Expect(results[0].Index).To(Equal(1))
		Expect(results[1].Index).To(Equal(2))
	})
})

var _ = Describe("index and search a repository", Ordered, func() {
	var (
		srv     *milvustest.Server
		handler http.Handler
	)

	BeforeAll(func() {
		base := GinkgoT().TempDir()
		repoDir := filepath.Join(base, "shop")
		files := []struct{ name, content string }{
			{"go.mod", "module example.com/shop\n"},
			{"cart/cart.go", `package cart

// Cart collects items before checkout.
type Cart struct{ items []string }

// Add puts an item into the cart.
func (c *Cart) Add(item string) { c.items = append(c.items, item) }
`},
			{"billing/invoice.go", `package billing

// Invoice bills a customer.
type Invoice struct{ Lines []int }

// Total sums the invoice lines.
func (i Invoice) Total() int { return 0 }
`},
		}
		for _, f := range files {
			path := filepath.Join(repoDir, f.name)
			Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
			Expect(os.WriteFile(path, []byte(f.content), 0644)).To(Succeed())
		}

		srv = milvustest.NewServer()
		DeferCleanup(srv.Close)

		cfgPath := filepath.Join(base, "config.yaml")
		Expect(os.WriteFile(cfgPath, []byte(`embedding:
  dimensions: 3
  batch_size: 4
vectordb:
  address: "`+srv.Address()+`"
  collection_name: symbols
repos:
  source_base_path: "`+base+`"
cache:
  dir: "`+filepath.Join(base, "cache")+`"
`), 0644)).To(Succeed())
		cfgManager := config.NewManager(cfgPath)
		Expect(cfgManager.Load()).To(Succeed())
		cfg := cfgManager.Get()

		store, err := vectordb.NewProvider(cfg.VectorDB, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		emb := &keywordEmbedder{vocab: []string{"cart", "invoice", "total"}}
		idx := indexer.NewIndexer(cfg, emb, store, zap.NewNop(), io.Discard)
		result, err := idx.Run(context.Background(), []*config.RepoConfig{{RepoName: "shop", SourcePath: "shop"}}, false, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Ingest.Rows).To(BeNumerically(">", 0))
		Expect(srv.Loaded("symbols")).To(BeTrue())

		handler = api.NewServer(cfgManager, emb, store, nil, zap.NewNop(), "e2e").Routes()
	})

	It("finds the method matching the query", func() {
		req := httptest.NewRequest(http.MethodPost, "/search",
			strings.NewReader(`{"query": "invoice total", "levels": ["method"], "limit": 1}`))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp struct {
			Results []map[string]any `json:"results"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Results).To(HaveLen(1))
		Expect(resp.Results[0]["fqn"]).To(HaveSuffix("Invoice#Total"))
		Expect(resp.Results[0]["index_level"]).To(Equal("method"))
	})

	It("reports healthy dependencies", func() {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(w.Code).To(Equal(http.StatusOK))
	})
})
