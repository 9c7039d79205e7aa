package orchestrator

import (
	"regexp"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// maxQueryLength bounds query size to prevent resource-exhaustion via
// oversized payloads, ported from original_source's QueryValidator
// (DEFAULT_MAX_LENGTH = 100_000).
const maxQueryLength = 100_000

// injectionPatterns is a short blocklist of obvious injection markers,
// a reduced form of original_source's BaseValidator.SECURITY_PATTERNS
// (spec §4.7 Stage 1 only calls for "a simple blocklist").
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i);\s*drop\s+table`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)etc/passwd`),
}

// Validate runs Stage 1 of the pipeline: non-empty query within length
// bounds and free of disallowed patterns, a non-empty model accepted by
// at least one registered provider, and — if set — a provider name that
// is actually registered.
func Validate(req *provider.StreamRequest, registry *provider.Registry) error {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return gatewayerr.New(gatewayerr.KindInvalidInput, "query must not be empty")
	}
	if len(req.Query) > maxQueryLength {
		return gatewayerr.New(gatewayerr.KindInvalidInput, "query exceeds maximum length").
			WithDetails(map[string]any{"max_length": maxQueryLength, "length": len(req.Query)})
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(req.Query) {
			return gatewayerr.New(gatewayerr.KindInvalidInput, "query contains a disallowed pattern")
		}
	}

	if strings.TrimSpace(req.Model) == "" {
		return gatewayerr.New(gatewayerr.KindInvalidModel, "model must not be empty")
	}

	if req.Provider != nil {
		if _, ok := registry.Get(*req.Provider); !ok {
			return gatewayerr.New(gatewayerr.KindProviderNotAvailable, "unknown provider").
				WithDetails(map[string]any{"provider": *req.Provider})
		}
	}

	modelAccepted := false
	for _, name := range registry.Names() {
		p, ok := registry.Get(name)
		if ok && p.SupportsModel(req.Model) {
			modelAccepted = true
			break
		}
	}
	if !modelAccepted {
		return gatewayerr.New(gatewayerr.KindInvalidModel, "model is not accepted by any registered provider").
			WithDetails(map[string]any{"model": req.Model})
	}

	return nil
}
