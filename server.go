package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"i4.energy/across/atlink/cellfile"
	"i4.energy/across/atlink/modem"
)

// maxUploadSize bounds the body of a file upload.
const maxUploadSize = 1 << 20

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *zap.Logger
	Modem  *modem.Client
	Files  *cellfile.FS
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("POST /at", s.handleAT)
	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("GET /files/{name}", s.handleReadFile)
	mux.HandleFunc("PUT /files/{name}", s.handleWriteFile)
	mux.HandleFunc("DELETE /files/{name}", s.handleDeleteFile)
	mux.HandleFunc("GET /files/{name}/size", s.handleFileSize)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// statusFor maps a modem error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cellfile.ErrInvalidName), errors.Is(err, cellfile.ErrTagNotSupported):
		return http.StatusBadRequest
	}
	switch modem.KindOf(err) {
	case modem.KindLink:
		return http.StatusBadGateway
	case modem.KindTimeout:
		return http.StatusGatewayTimeout
	case modem.KindAborted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	ref, err := s.Modem.SendSMS(r.Context(), req.To, req.Message)
	if err != nil {
		s.Logger.Error("Failed to send SMS", zap.Error(err), zap.String("to", req.To))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	s.Logger.Info("SMS sent successfully", zap.String("to", req.To), zap.Int("message_length", len(req.Message)), zap.Int("reference", ref))
	s.sendJSON(w, http.StatusOK, map[string]int{"reference": ref})
}

// handleAT runs a raw AT command and returns its information lines.
func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	type ATRequest struct {
		Command string `json:"command"`
	}

	var req ATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	lines, err := s.Modem.Exec(r.Context(), req.Command)
	if err != nil {
		s.Logger.Warn("AT command failed", zap.String("command", req.Command), zap.Error(err))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	if lines == nil {
		lines = []string{}
	}
	s.sendJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.Files.List(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list files", zap.Error(err))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	if names == nil {
		names = []string{}
	}
	s.sendJSON(w, http.StatusOK, map[string][]string{"files": names})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	size, err := s.Files.Size(r.Context(), name)
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	buf := make([]byte, size)
	n, err := s.Files.Read(r.Context(), name, buf)
	if err != nil {
		s.Logger.Error("Failed to read file", zap.String("name", name), zap.Error(err))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(buf[:n])
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	n, err := s.Files.Write(r.Context(), name, data)
	if err != nil {
		s.Logger.Error("Failed to write file", zap.String("name", name), zap.Error(err))
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	s.Logger.Info("File written", zap.String("name", name), zap.Int("bytes", n))
	s.sendJSON(w, http.StatusCreated, map[string]int{"bytes": n})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Files.Delete(r.Context(), name); err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.Files.Size(r.Context(), r.PathValue("name"))
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"size": size})
}
