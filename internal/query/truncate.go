package query

import (
	"github.com/coreindex/coreindex/internal/cache"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// truncatableFields are the large fields spec.md §4.E names explicitly.
// "diff" is included for temporal evolution entries that carry one;
// ordinary index results never set it.
var truncatableFields = []string{
	vectorstore.PayloadKeyContent,
	vectorstore.PayloadKeyCodeSnippet,
	vectorstore.PayloadKeyMatchText,
	"diff",
}

// truncatePayload copies p into a plain map and applies §4.E truncation
// to each large field present: the field is replaced by
// "<field>_preview", "<field>_cache_handle", "<field>_has_more", and
// "<field>_total_size" whenever it exceeds previewSize. Fields within
// budget pass through untouched.
func truncatePayload(p vectorstore.Payload, c *cache.PayloadCache, previewSize int) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	delete(out, "__vector")

	for _, field := range truncatableFields {
		raw, ok := out[field]
		if !ok {
			continue
		}
		content, ok := raw.(string)
		if !ok {
			continue
		}
		tf, truncated := c.Truncate(content, previewSize)
		if !truncated {
			continue
		}
		delete(out, field)
		out[field+"_preview"] = tf.Preview
		out[field+"_cache_handle"] = tf.CacheHandle
		out[field+"_has_more"] = tf.HasMore
		out[field+"_total_size"] = tf.TotalSize
	}
	return out
}
