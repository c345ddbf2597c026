// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpcserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Handler answers one JSON-RPC method call against raw params, returning
// the value to marshal as the result.
type Handler func(params json.RawMessage) (any, error)

// Server is the stdio JSON-RPC 2.0 duplex: reads newline-delimited
// requests from In, dispatches them against a registered method table,
// and writes newline-delimited Responses/Notifications to Out. One Server
// instance serializes all writes so notifications interleave safely with
// responses (§4.7 "duplex stream").
type Server struct {
	Logger *slog.Logger

	mu      sync.Mutex
	out     *bufio.Writer
	methods map[string]Handler
}

// NewServer builds a Server writing to out. Call Register for each method
// before Serve.
func NewServer(out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Logger:  logger,
		out:     bufio.NewWriter(out),
		methods: map[string]Handler{},
	}
}

// Register adds method to the dispatch table. v1 (camelCase,
// e.g. "sendUserMessage") and v2 (slash-separated, e.g. "turn/start")
// method names can both be registered for the same Handler so older and
// newer clients are served identically (§4.7 "method name co-existence").
func (s *Server) Register(method string, h Handler) {
	s.methods[method] = h
}

// Notify sends an unsolicited Notification to the client, used for both
// subscription fan-out and status-tracker updates.
func (s *Server) Notify(method string, params any) error {
	return s.write(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Serve reads newline-delimited JSON-RPC requests from in until EOF or a
// read error, dispatching each to its registered Handler. One malformed
// line yields a parse-error Response and does not stop the loop.
func (s *Server) Serve(in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleLine(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = s.write(newErrorResponse(nil, codeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		_ = s.write(newErrorResponse(req.ID, codeInvalidRequest, "invalid request"))
		return
	}

	h, ok := s.methods[req.Method]
	if !ok {
		_ = s.write(newErrorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method))
		return
	}

	result, err := h(req.Params)
	isNotification := len(req.ID) == 0
	if err != nil {
		if isNotification {
			s.Logger.Warn("notification handler error", "method", req.Method, "err", err)
			return
		}
		_ = s.write(newErrorResponse(req.ID, codeForError(err), messageForError(err)))
		return
	}
	if isNotification {
		return
	}
	_ = s.write(newResponse(req.ID, result))
}

func codeForError(err error) int {
	if kind, ok := coreerr.KindOf(err); ok {
		return coreerr.JSONRPCCode(kind)
	}
	return codeInternalError
}

// messageForError returns the precise message a tagged *coreerr.Error
// carries, without its Kind prefix, when that error wraps no cause: the
// JSON-RPC wire text is part of the client-facing contract (§7 "precise
// message"), while the Kind prefix is only useful in logs. Untagged errors,
// and tagged errors that wrap a cause, fall back to Error().
func messageForError(err error) string {
	var e *coreerr.Error
	if errors.As(err, &e) && e.Cause == nil {
		return e.Message
	}
	return err.Error()
}

func (s *Server) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}
