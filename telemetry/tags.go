// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// resourceKey is the context key for the binary cache resource kind of an
	// outgoing request.
	resourceKey contextKey = "resource"
)

// Resource kinds of a binary cache.
const (
	ResourceNarInfo   = "narinfo"
	ResourceNar       = "nar"
	ResourceLog       = "log"
	ResourceCacheInfo = "cache-info"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheNegative CacheResult = "negative"
	CacheBypass   CacheResult = "bypass"
	CacheNA       CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	RequestID   string
	Resource    string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request, requestID string) *http.Request {
	tags := &RequestTags{RequestID: requestID, CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetResource sets the resource kind for metrics and logging.
func SetResource(r *http.Request, resource string) {
	if tags := GetTags(r); tags != nil {
		tags.Resource = resource
	}
}

// ResourceFromContext retrieves the resource kind from a context.
// It checks both outgoing request contexts (set by WithResource) and
// server request contexts (set by SetResource via InjectTags).
func ResourceFromContext(ctx context.Context) string {
	if res, ok := ctx.Value(resourceKey).(string); ok && res != "" {
		return res
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Resource
	}
	return ""
}

// WithResource returns a context tagged with the resource kind an outgoing
// request is for.
func WithResource(ctx context.Context, resource string) context.Context {
	return context.WithValue(ctx, resourceKey, resource)
}
