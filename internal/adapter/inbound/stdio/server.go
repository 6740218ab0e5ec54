// Package stdio serves the JSON-RPC protocol over a newline-delimited pipe:
// one request per line on stdin, one response or notification per line on
// stdout. Logs must never touch stdout in this mode; the caller is expected
// to hand the logger a file or stderr.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/usecase"
	"github.com/toolgate/toolgate/pkg/shared/jsonrpc"
)

// maxLineBytes bounds a single frame. Oversized frames fail with a parse
// error instead of silently splitting.
const maxLineBytes = 8 * 1024 * 1024

// Server runs the line loop for a single connected peer.
type Server struct {
	dispatcher *usecase.Dispatcher
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger

	// writeMu serializes frames so a streaming notification never
	// interleaves with a response mid-line.
	writeMu sync.Mutex
}

// NewServer creates a stdio server reading frames from in and writing them
// to out.
func NewServer(dispatcher *usecase.Dispatcher, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		in:         in,
		out:        out,
		logger:     logger.With("component", "stdio"),
	}
}

// Serve processes frames until EOF or context cancellation. A malformed
// frame produces an error response and the loop continues; only transport
// failures end the session.
func (s *Server) Serve(ctx context.Context) error {
	conn := usecase.NewConn(uuid.NewString(), s)
	s.logger.Info("Stdio session started.", slog.String("conn", conn.ID))

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		resp := s.dispatcher.HandleMessage(ctx, conn, line)
		if resp == nil {
			continue
		}
		if err := s.writeFrame(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read failed: %w", err)
	}
	s.logger.Info("Stdio session ended.", slog.String("conn", conn.ID))
	return nil
}

// Notify implements usecase.Sender: server-initiated notifications share the
// response pipe.
func (s *Server) Notify(ctx context.Context, method string, params interface{}) error {
	return s.writeFrame(jsonrpc.NewNotification(method, params))
}

// NotifyDraining broadcasts the shutdown notice to the connected peer.
func (s *Server) NotifyDraining(graceMS int64) {
	if err := s.Notify(context.Background(), "notifications/shutdown", map[string]interface{}{
		"reason":  "draining",
		"graceMs": graceMS,
	}); err != nil {
		s.logger.Warn("Failed to send drain notification.", slog.Any("error", err))
	}
}

func (s *Server) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
