package errors

import (
	"errors"
	"strings"
)

// Substring tables for message-based classification. Order of the groups is
// load-bearing: network before rate_limit before auth before context_length
// before content_filter. Rate-limit messages from several upstreams contain
// the word "key" ("api_key quota exhausted"), so rate-limit substrings must
// win over auth substrings.
var (
	networkSubstrings = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"dns",
		"tls",
		"dial tcp",
		"broken pipe",
		"i/o timeout",
		"network is unreachable",
		"eof",
	}
	rateLimitSubstrings = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"resource_exhausted",
		"resource exhausted",
		"quota",
		"429",
		"throttl",
	}
	authSubstrings = []string{
		"api key",
		"api_key",
		"invalid key",
		"unauthorized",
		"unauthenticated",
		"authentication",
		"permission denied",
		"forbidden",
		"401",
		"403",
	}
	contextLengthSubstrings = []string{
		"context length",
		"context_length",
		"context window",
		"maximum context",
		"max_tokens",
		"token limit",
		"too many tokens",
		"prompt is too long",
	}
	contentFilterSubstrings = []string{
		"content filter",
		"content_filter",
		"content policy",
		"safety",
		"blocked by",
		"flagged",
	}
)

// Classify derives a NormalizedError from a raw message and an optional HTTP
// status code. A known status code dominates the string heuristics:
// 401/403 map to auth, 402 to billing, 429 to rate_limit, and anything >=500
// to server_error. Pass statusCode 0 when none is available.
func Classify(message string, statusCode int) *NormalizedError {
	switch {
	case statusCode == 401 || statusCode == 403:
		return NewAuth(message)
	case statusCode == 402:
		return NewBilling(message)
	case statusCode == 429:
		return NewRateLimit(message, 0)
	case statusCode >= 500:
		return NewServerError(statusCode, message)
	}

	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, networkSubstrings):
		return NewNetwork(message)
	case containsAny(lower, rateLimitSubstrings):
		return NewRateLimit(message, 0)
	case containsAny(lower, authSubstrings):
		return NewAuth(message)
	case containsAny(lower, contextLengthSubstrings):
		return NewContextLength(message, 0)
	case containsAny(lower, contentFilterSubstrings):
		return NewContentFilter(message)
	default:
		return NewUnknown(message)
	}
}

// FromError normalizes an arbitrary error. Already-normalized errors pass
// through unchanged; everything else goes through Classify.
func FromError(err error, statusCode int) *NormalizedError {
	if err == nil {
		return nil
	}
	var norm *NormalizedError
	if errors.As(err, &norm) {
		return norm
	}
	return Classify(err.Error(), statusCode)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
