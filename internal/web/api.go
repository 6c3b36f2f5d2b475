package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/report"
)

func (s *Server) handleActuator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ActuatorRequest
	if err := decode(r, &req); err != nil {
		reply(w, "change_actuator", nil, err)
		return
	}
	mode, err := actuator.ParseMode(req.Mode)
	if err != nil {
		reply(w, "change_actuator", nil, err)
		return
	}
	err = s.rt.ChangeActuator(r.Context(), id, mode, req.Magnitude)
	reply(w, "change_actuator", map[string]any{"actuator": id, "mode": mode, "magnitude": req.Magnitude}, err)
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	ms, err := s.rt.ReadSensor(r.Context(), mux.Vars(r)["id"])
	reply(w, "read_sensor", ms, err)
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	kind := config.Kind(r.URL.Query().Get("kind"))
	switch kind {
	case "", config.KindInput, config.KindPID, config.KindConditional:
	default:
		reply(w, "reload_all", nil, fmt.Errorf("%w: unknown kind %q", errBadRequest, kind))
		return
	}
	reply(w, "reload_all", nil, s.rt.ReloadAll(r.Context(), kind))
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]
	var err error
	switch action {
	case "activate":
		err = s.rt.Activate(r.Context(), id)
	case "deactivate":
		err = s.rt.Deactivate(r.Context(), id)
	case "reload":
		err = s.rt.Reload(r.Context(), id)
	}
	reply(w, action, map[string]string{"controller": id}, err)
}

func (s *Server) handlePID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req ValueRequest
	if err := decode(r, &req); err != nil {
		reply(w, "pid_"+vars["op"], nil, err)
		return
	}
	if v := r.URL.Query().Get("value"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			reply(w, "pid_"+vars["op"], nil, fmt.Errorf("%w: value %q", errBadRequest, v))
			return
		}
		req.Value = f
	}
	err := s.rt.PIDCommand(r.Context(), vars["id"], vars["op"], req.Value)
	reply(w, "pid_"+vars["op"], map[string]string{"controller": vars["id"]}, err)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	snap := s.rt.Report(r.Context())
	var buf bytes.Buffer
	if err := report.Write(&buf, snap); err != nil {
		s.logger.Error("render report", zap.Error(err))
		reply(w, "report", nil, err)
		return
	}
	name := "envctl-report-" + snap.Time.UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("terminate requested", zap.String("remote", r.RemoteAddr))
	resp := CommandResponse{Command: "terminate", Status: "accepted"}
	s.rt.Terminate()
	writeJSON(w, http.StatusAccepted, resp)
}
