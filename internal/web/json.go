package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/coordinator"
	"github.com/sweeney/envctl/internal/pid"
)

var errBadRequest = errors.New("bad request")

// CommandResponse is the JSON reply to every admin command.
type CommandResponse struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ActuatorRequest is the body of POST /api/actuators/{id}.
type ActuatorRequest struct {
	Mode string `json:"mode"`
	// Seconds for duration mode, percent for duty mode.
	Magnitude float64 `json:"magnitude"`
}

// ValueRequest is the optional body of POST /api/pid/{id}/{op}.
type ValueRequest struct {
	Value float64 `json:"value"`
}

// httpStatus maps runtime errors onto status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownController),
		errors.Is(err, actuator.ErrUnknownActuator),
		errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, actuator.ErrInvalidCommand),
		errors.Is(err, pid.ErrUnknownOp):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrWrongKind),
		errors.Is(err, coordinator.ErrNotRunning),
		errors.Is(err, pid.ErrNoMethod),
		errors.Is(err, pid.ErrEnded):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrShutdown),
		errors.Is(err, actuator.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// reply writes the outcome of command, tagged with a fresh command id.
func reply(w http.ResponseWriter, command string, data any, err error) {
	resp := CommandResponse{ID: uuid.NewString(), Command: command, Status: "ok", Data: data}
	code := http.StatusOK
	if err != nil {
		code = httpStatus(err)
		resp.Status = "error"
		resp.Error = err.Error()
		resp.Data = nil
	}
	w.Header().Set("X-Command-Id", resp.ID)
	writeJSON(w, code, resp)
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
