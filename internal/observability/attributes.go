// Package observability provides OpenTelemetry metrics exported through Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrBackend   = "backend"
	attrSuccess   = "success"
	attrJobStatus = "job_status"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func jobStatusAttr(status string) attribute.KeyValue {
	if status == "" {
		status = "any"
	}
	return attribute.String(attrJobStatus, status)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const batches = "/v1/batches/"
	if len(path) > len(batches) && strings.HasPrefix(path, batches) {
		return "/v1/batches/{runId}"
	}
	return path
}
