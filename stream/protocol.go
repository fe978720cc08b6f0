// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire message type discriminators. Every message on a telemetry
// channel is a JSON object with a "type" field and a type-specific
// "payload". Unknown types are ignored by the client so the backend can
// add message kinds without breaking older consoles.
const (
	// TypeRequestHistory is the client→server backfill request sent on
	// every fresh open, carrying the client's cursor.
	TypeRequestHistory = "request_history"

	// TypeHistoricalLogs is the server's backfill reply for the logs
	// stream: the missed lines plus the authoritative new offset.
	TypeHistoricalLogs = "historical_logs"

	// TypeHistoricalMetrics is the server's backfill reply for the
	// metrics stream: per-series point batches.
	TypeHistoricalMetrics = "historical_metrics"

	// TypeLog is a live log line.
	TypeLog = "log"

	// TypeMetric is a live metric increment for one training step.
	TypeMetric = "metric"

	// TypeState is a lifecycle transition, conceptually broadcast on
	// every stream kind for the task.
	TypeState = "state"

	// TypeFile and TypeFileChanged signal that the sample/artifact
	// listing changed and should be re-polled out of band. Both names
	// appear on the wire depending on backend version.
	TypeFile        = "file"
	TypeFileChanged = "file_changed"
)

// Series names used by the metrics stream.
const (
	SeriesLoss         = "loss"
	SeriesLearningRate = "learning_rate"
	SeriesEpoch        = "epoch"
)

// Envelope is the outer wire shape of every server→client message.
// Payload stays raw until the type is known, so a malformed payload of
// one type never breaks handling of others.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// NewOffset accompanies live log messages when the server chooses
	// to publish the authoritative cursor alongside the line.
	NewOffset *int `json:"new_offset,omitempty"`
}

// DecodeEnvelope parses the outer envelope. The payload is validated
// later, per type, at the point of use.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("stream: malformed message: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, errors.New("stream: message missing type")
	}
	return envelope, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("stream: %s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("stream: malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// HistoryRequest is the client→server backfill request. SinceOffset is
// the line offset for logs, or the last known step for metrics.
type HistoryRequest struct {
	Type        string `json:"type"`
	DataType    string `json:"data_type"`
	SinceOffset int    `json:"since_offset"`
}

// NewHistoryRequest builds the backfill request for a stream kind.
// Only replayable kinds (logs, metrics) have a history request.
func NewHistoryRequest(kind StreamKind, since int) HistoryRequest {
	return HistoryRequest{
		Type:        TypeRequestHistory,
		DataType:    string(kind),
		SinceOffset: since,
	}
}

// HistoricalLogs is the backfill payload for the logs stream. The
// client adopts NewOffset verbatim rather than computing it from the
// line count, so server-side coalescing cannot desynchronize cursors.
type HistoricalLogs struct {
	Logs      []string `json:"logs"`
	NewOffset int      `json:"new_offset"`
}

// Point is one sample of a metric series.
type Point struct {
	Step     int     `json:"step"`
	Value    float64 `json:"value"`
	WallTime float64 `json:"wall_time"`
}

// HistoricalMetrics is the backfill payload for the metrics stream,
// keyed by series name.
type HistoricalMetrics struct {
	Metrics map[string][]Point `json:"metrics"`
}

// LogEvent is a live log line.
type LogEvent struct {
	Message string `json:"message"`
}

// MetricEvent is a live metric increment for one step. Pointer fields
// distinguish "absent" from zero; steps during warmup may report only a
// subset of metrics.
type MetricEvent struct {
	Step         int      `json:"step"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"lr,omitempty"`
	Epoch        *float64 `json:"epoch,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
	ETASeconds   *float64 `json:"eta_seconds,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
}

// StateEvent is a lifecycle transition.
type StateEvent struct {
	ToState TaskState `json:"to_state"`
}

// FileEvent signals that the sample/artifact listing changed. Path is
// advisory; consumers re-poll the listing endpoint either way.
type FileEvent struct {
	Path string `json:"path,omitempty"`
}
