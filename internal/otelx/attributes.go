package otelx

import (
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// attributes turns a string map into sorted key values so resources are stable.
func attributes(m map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, m[k]))
	}
	return out
}
