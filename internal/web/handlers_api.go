package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
)

const maxBodyBytes = 1 << 20

// command returns a handler running the named command. The request body is
// the JSON parameter object; each listed path value is added to it under
// the same name.
func (s *Server) command(name string, pathValues ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := requestParams(w, r, pathValues)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		s.execute(w, r, name, params)
	}
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(w, r, nil)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.execute(w, r, r.PathValue("name"), params)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, name string, params []byte) {
	result, err := s.api.Execute(r.Context(), name, params)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("command", "command", name, "err", err)
			s.writeJSON(w, status, map[string]string{"error": "internal server error"})
			return
		}
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// requestParams merges path values into the JSON object in the body.
func requestParams(w http.ResponseWriter, r *http.Request, pathValues []string) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(pathValues) == 0 {
		return body, nil
	}

	fields := make(map[string]json.RawMessage)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
	}
	for _, name := range pathValues {
		v, err := json.Marshal(r.PathValue(name))
		if err != nil {
			return nil, err
		}
		fields[name] = v
	}
	return json.Marshal(fields)
}

// errorStatus maps command errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, api.ErrBadRequest),
		errors.Is(err, adapter.ErrInvalidChannel),
		errors.Is(err, adapter.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrUnknownCommand),
		errors.Is(err, adapter.ErrUnknownDevice),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, adapter.ErrNotStarted), errors.Is(err, adapter.ErrNoDeviceTable):
		return http.StatusServiceUnavailable
	case errors.Is(err, waitress.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
