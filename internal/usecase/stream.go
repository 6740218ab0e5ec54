package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkNotificationMethod is the wire method for stream chunks.
const ChunkNotificationMethod = "notifications/stream/chunk"

// wrapperKeys are the conventional keys under which REST backends nest
// collections.
var wrapperKeys = []string{"items", "results", "data"}

// StreamMetadata records one in-progress or recently finished chunked
// delivery, retained briefly for diagnostics.
type StreamMetadata struct {
	ID          string
	Tool        string
	TotalItems  int
	TotalChunks int
	Started     time.Time
	Completed   time.Time
}

// Streamer splits large results into ordered chunk notifications so the
// transport is never asked to move one giant frame.
type Streamer struct {
	enabled   bool
	threshold int
	chunkSize int
	// yield between chunks lets the transport drain before the next one.
	yield  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*StreamMetadata
}

// NewStreamer constructs a Streamer.
func NewStreamer(enabled bool, threshold, chunkSize int, yield time.Duration, logger *slog.Logger) *Streamer {
	return &Streamer{
		enabled:   enabled,
		threshold: threshold,
		chunkSize: chunkSize,
		yield:     yield,
		logger:    logger.With("component", "streamer"),
		streams:   make(map[string]*StreamMetadata),
	}
}

// Enabled reports whether streaming is configured on.
func (s *Streamer) Enabled() bool { return s.enabled }

// ShouldStream decides whether a result is delivered chunked and extracts
// the collection to chunk. Forced streaming still requires an array shape;
// auto-detection additionally requires the threshold.
func (s *Streamer) ShouldStream(result interface{}, force bool) ([]interface{}, bool) {
	if !s.enabled {
		return nil, false
	}
	items, ok := extractItems(result)
	if !ok {
		return nil, false
	}
	if force {
		return items, true
	}
	if len(items) >= s.threshold {
		return items, true
	}
	return nil, false
}

// Stream emits the chunk notifications in strict index order and returns
// the terminal summary the caller sends instead of the raw data. The
// sender's write serialization keeps per-stream ordering on the wire.
func (s *Streamer) Stream(ctx context.Context, sender Sender, requestID json.RawMessage, toolName string, items []interface{}) (map[string]interface{}, error) {
	streamID := uuid.NewString()
	totalItems := len(items)
	totalChunks := (totalItems + s.chunkSize - 1) / s.chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	meta := &StreamMetadata{
		ID:          streamID,
		Tool:        toolName,
		TotalItems:  totalItems,
		TotalChunks: totalChunks,
		Started:     time.Now(),
	}
	s.track(meta)

	log := s.logger.With(
		slog.String("stream_id", streamID),
		slog.String("tool", toolName),
		slog.Int("total_items", totalItems),
		slog.Int("total_chunks", totalChunks))
	log.Debug("Starting chunked delivery.")

	sent := 0
	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		start := chunkIndex * s.chunkSize
		end := start + s.chunkSize
		if end > totalItems {
			end = totalItems
		}
		chunk := items[start:end]
		sent += len(chunk)

		isLast := chunkIndex == totalChunks-1
		params := map[string]interface{}{
			"streamId":    streamID,
			"requestId":   requestID,
			"chunkIndex":  chunkIndex,
			"totalChunks": totalChunks,
			"data":        chunk,
			"isLast":      isLast,
			"progress": map[string]interface{}{
				"itemsSent":  sent,
				"totalItems": totalItems,
				"percentage": percentage(sent, totalItems),
			},
		}
		if err := sender.Notify(ctx, ChunkNotificationMethod, params); err != nil {
			return nil, fmt.Errorf("failed to send chunk %d/%d of stream %s: %w", chunkIndex+1, totalChunks, streamID, err)
		}

		if !isLast && s.yield > 0 {
			select {
			case <-time.After(s.yield):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.complete(streamID)
	log.Debug("Chunked delivery complete.")

	return map[string]interface{}{
		"streaming":   true,
		"streamId":    streamID,
		"totalItems":  totalItems,
		"totalChunks": totalChunks,
		"message":     fmt.Sprintf("result delivered in %d chunks", totalChunks),
	}, nil
}

// Metadata reports a tracked stream, if still retained.
func (s *Streamer) Metadata(streamID string) (StreamMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.streams[streamID]
	if !ok {
		return StreamMetadata{}, false
	}
	return *m, true
}

func (s *Streamer) track(meta *StreamMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Drop completed streams older than a minute; retained only for
	// short-lived diagnostics.
	cutoff := time.Now().Add(-time.Minute)
	for id, m := range s.streams {
		if !m.Completed.IsZero() && m.Completed.Before(cutoff) {
			delete(s.streams, id)
		}
	}
	s.streams[meta.ID] = meta
}

func (s *Streamer) complete(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.streams[streamID]; ok {
		m.Completed = time.Now()
	}
}

// extractItems finds the array to chunk: the result itself, or one nested
// under a conventional wrapper key.
func extractItems(result interface{}) ([]interface{}, bool) {
	if items, ok := result.([]interface{}); ok {
		return items, true
	}
	obj, ok := result.(map[string]interface{})
	if !ok {
		return nil, false
	}
	for _, key := range wrapperKeys {
		if items, ok := obj[key].([]interface{}); ok {
			return items, true
		}
	}
	return nil, false
}

func percentage(sent, total int) int {
	if total == 0 {
		return 100
	}
	return sent * 100 / total
}
