package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewOpenAIEmbedding returns an embedding function backed by an
// OpenAI-compatible endpoint. An empty baseURL uses the OpenAI default.
func NewOpenAIEmbedding(baseURL, model, apiKey string) (chromem.EmbeddingFunc, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if apiKey == "" {
		// langchaingo requires a token even for keyless compatible servers
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create embeddings client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}, nil
}

// NewHashEmbedding returns a deterministic embedding for dev and tests:
// lowercase tokens are hashed into dim buckets and the counts L2-normalized.
// Texts sharing vocabulary land close together; disjoint texts are near
// orthogonal. No network, stable across runs.
func NewHashEmbedding(dim int) chromem.EmbeddingFunc {
	if dim <= 0 {
		dim = 128
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,:;!?()[]\"'")
			if tok == "" {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		inv := 1 / math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) * inv)
		}
		return vec, nil
	}
}
