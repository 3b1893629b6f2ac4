package advisory

import "context"

// Provider answers an advisory prompt against a jurisdiction-specific
// knowledge base. Implementations are fallible oracles: replies may be
// malformed, wrapped in prose, or internally contradictory, and must
// always pass through the Interpreter before anything trusts them.
type Provider interface {
	QueryKnowledgeBase(ctx context.Context, knowledgeBaseID, prompt string) (string, error)
}
