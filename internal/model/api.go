// Package model defines the request and response shapes of the collector's
// HTTP API.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/ashiato/store"
	"github.com/ashita-ai/ashiato/tracing/export"
)

// Field length limits for ingested span records. They keep caller-controlled
// identifiers from filling storage columns with garbage; payload fields are
// bounded by the client-side serializer and stored as received.
const (
	MaxIDLen   = 128
	MaxNameLen = 1024
)

// ValidateRecord checks the identity fields of a span record before it is
// accepted for storage.
func ValidateRecord(rec export.Record) error {
	if rec.TraceID == "" {
		return errors.New("traceId is required")
	}
	if len(rec.TraceID) > MaxIDLen {
		return fmt.Errorf("traceId exceeds maximum length of %d characters", MaxIDLen)
	}
	if rec.SpanID == "" {
		return errors.New("spanId is required")
	}
	if len(rec.SpanID) > MaxIDLen {
		return fmt.Errorf("spanId exceeds maximum length of %d characters", MaxIDLen)
	}
	if rec.ParentSpanID != nil && len(*rec.ParentSpanID) > MaxIDLen {
		return fmt.Errorf("parentSpanId exceeds maximum length of %d characters", MaxIDLen)
	}
	if rec.SpanType == "" {
		return errors.New("spanType is required")
	}
	if len(rec.Name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	if rec.StartedAt.IsZero() {
		return errors.New("startedAt is required")
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /v1/auth/token.
type AuthTokenRequest struct {
	Key string `json:"key"`
}

// AuthTokenResponse is the response for POST /v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IngestSpansRequest is the request body for POST /v1/spans. Span records use
// the ingest wire format, so their fields are camel-cased.
type IngestSpansRequest struct {
	Spans []export.Record `json:"spans"`
}

// IngestSpansResponse is the response for POST /v1/spans.
type IngestSpansResponse struct {
	Accepted int64 `json:"accepted"`
}

// TraceResponse is the response for GET /v1/traces/{trace_id}.
type TraceResponse struct {
	TraceID string          `json:"traceId"`
	Spans   []export.Record `json:"spans"`
}

// ListTracesResponse is the response for GET /v1/traces.
type ListTracesResponse struct {
	Traces []store.TraceSummary `json:"traces"`
	Count  int                  `json:"count"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}
