package tokens

import "context"

// GenerationRequest carries what the downstream pipeline needs for one
// paid generation attempt.
type GenerationRequest struct {
	ProfileID ProfileID
	ChatID    string
	Lyrics    string
	Style     string
}

// GenerationResult is the finished asset produced by the pipeline.
type GenerationResult struct {
	AssetID  string
	AssetURL string
}

// Pipeline is the downstream generation contract. Implementations own the
// model calls, asset assembly, and asset persistence; the service only
// meters them.
type Pipeline interface {
	Generate(ctx context.Context, request GenerationRequest) (GenerationResult, error)
}
