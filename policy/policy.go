// Package policy implements the per-node enforcement layer: retry,
// rate limiting, tool permissions, token cost budgets, and telemetry
// masking. Managers are built once per run from the document's policies
// section and consulted by the scheduler around every node execution.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Emitter publishes policy events (retry.attempt, rate.limit.wait) into
// the run's event stream.
type Emitter interface {
	Emit(event string, payload map[string]any) error
}

// HTTPError carries a provider HTTP status so the retry predicate can
// classify it. Provider adapters wrap upstream SDK failures in this type.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// HTTPStatus implements the status carrier probed by Retryable.
func (e *HTTPError) HTTPStatus() int { return e.Status }

type statusCarrier interface{ HTTPStatus() int }

// Retryable reports whether a failure is worth retrying: HTTP 429 or 5xx,
// timeout and connection-reset classes, or a message that suggests a
// transient condition.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var carrier statusCarrier
	if errors.As(err, &carrier) {
		status := carrier.HTTPStatus()
		if status == 429 || (status >= 500 && status < 600) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") ||
		strings.Contains(message, "temporarily") ||
		strings.Contains(message, "retry")
}

// Numeric config values arrive as int from the YAML loader or float64
// after JSON merge patching; accept both.

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(v)}
	}
}
