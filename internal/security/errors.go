package security

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies why a request left the pipeline.
type Kind string

const (
	KindTransport        Kind = "transport"
	KindOrigin           Kind = "origin"
	KindRateLimited      Kind = "rate_limited"
	KindUnauthenticated  Kind = "unauthenticated"
	KindUnauthorized     Kind = "unauthorized"
	KindBlocked          Kind = "blocked"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInternal         Kind = "internal"
)

// Denial is a terminal pipeline outcome. Message is safe to show clients;
// Detail is for logs only.
type Denial struct {
	Kind       Kind
	Status     int
	Message    string
	Detail     string
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	if d.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", d.Kind, d.Status, d.Detail)
	}
	return fmt.Sprintf("%s (%d)", d.Kind, d.Status)
}

func deny(kind Kind, status int, message, detail string) *Denial {
	return &Denial{Kind: kind, Status: status, Message: message, Detail: detail}
}

// errorBody is the JSON shape every denial shares.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

func (d *Denial) body(requestID string) errorBody {
	b := errorBody{Error: http.StatusText(d.Status), Message: d.Message}
	if d.Kind == KindRateLimited {
		b.RetryAfter = retrySeconds(d.RetryAfter)
	}
	if d.Kind == KindInternal {
		b.RequestID = requestID
	}
	return b
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
