package vault

import "context"

// Embedder produces embedding vectors for document text. It is consumed
// here and implemented by the caller (an API client, a local model, or a
// test fake); the vault works fine without one, in which case vector and
// hybrid search degrade to text-only behavior.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
