// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/twinforge/twinforge/internal/auth"
	"github.com/twinforge/twinforge/internal/edit"
	"github.com/twinforge/twinforge/internal/ingest"
	"github.com/twinforge/twinforge/internal/lock"
	"github.com/twinforge/twinforge/internal/store"
)

// tokenResponse is the shared shape of register and login responses.
type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	UserID      uuid.UUID `json:"user_id"`
	SessionID   uuid.UUID `json:"session_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string     `json:"email"`
		Username       string     `json:"username"`
		Password       string     `json:"password"`
		OrganizationID *uuid.UUID `json:"organization_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		writeBadRequest(w, "email, username and password are required")
		return
	}

	_, err := s.auth.Register(r.Context(), req.Email, req.Username, req.Password, req.OrganizationID)
	if errors.Is(err, auth.ErrUserExists) {
		writeBadRequest(w, "user already exists")
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}

	// Registration immediately opens a session, same as login.
	token, id, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		UserID:      id.User.UserID,
		SessionID:   id.Session.SessionID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	token, id, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeUnauthorized(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		UserID:      id.User.UserID,
		SessionID:   id.Session.SessionID,
	})
}

func (s *Server) handleCreateTwin(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req struct {
		Name        string          `json:"name"`
		Description *string         `json:"description"`
		TwinType    string          `json:"twin_type"`
		Properties  json.RawMessage `json:"properties"`
		Tags        []string        `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.TwinType == "" {
		writeBadRequest(w, "name and twin_type are required")
		return
	}

	twinID := uuid.New()
	versionID, err := s.storage.CreateTwin(r.Context(), store.NewTwin{
		TwinID:         twinID,
		Name:           req.Name,
		Description:    req.Description,
		TwinType:       req.TwinType,
		CreatedBy:      id.User.UserID,
		OrganizationID: id.User.OrganizationID,
		Tags:           store.StringList(req.Tags),
		Properties:     types.JSONText(req.Properties),
	})
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"twin_id":    twinID,
		"version_id": versionID,
	})
}

func (s *Server) handleListTwins(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	twins, err := s.storage.ListTwins(r.Context(), id.User.OrganizationID, skip, limit)
	if err != nil {
		writeInternal(w)
		return
	}

	out := make([]map[string]any, 0, len(twins))
	for _, t := range twins {
		out = append(out, map[string]any{
			"twin_id":         t.TwinID,
			"name":            t.Name,
			"description":     t.Description,
			"twin_type":       t.TwinType,
			"created_by":      t.CreatedBy,
			"organization_id": t.OrganizationID,
			"tags":            t.Tags,
			"created_at":      t.CreatedAt,
			"version_number":  t.VersionNumber,
			"properties":      json.RawMessage(t.Properties),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	twinID, err := uuid.Parse(chi.URLParam(r, "twin_id"))
	if err != nil {
		writeBadRequest(w, "invalid twin id")
		return
	}

	var req struct {
		CommitMessage string          `json:"commit_message"`
		ModelURL      string          `json:"model_url"`
		ModelFormat   string          `json:"model_format"`
		Properties    json.RawMessage `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	exists, err := s.storage.TwinExists(r.Context(), twinID)
	if err != nil {
		writeInternal(w)
		return
	}
	if !exists {
		writeNotFound(w)
		return
	}

	versionID, number, err := s.storage.CreateVersion(r.Context(), store.NewVersion{
		TwinID:        twinID,
		CreatedBy:     id.User.UserID,
		CommitMessage: req.CommitMessage,
		ModelURL:      req.ModelURL,
		ModelFormat:   req.ModelFormat,
		Properties:    types.JSONText(req.Properties),
	})
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version_id":     versionID,
		"version_number": number,
	})
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req struct {
		TwinID     uuid.UUID `json:"twin_id"`
		Components []string  `json:"components"`
		LockType   string    `json:"lock_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.TwinID == uuid.Nil || len(req.Components) == 0 {
		writeBadRequest(w, "twin_id and components are required")
		return
	}
	lockType := lock.Type(req.LockType)
	if req.LockType == "" {
		lockType = lock.Exclusive
	}
	if !lockType.Valid() {
		writeBadRequest(w, "lock_type must be exclusive or shared")
		return
	}

	lockID, err := s.locks.Acquire(r.Context(), lock.Request{
		TwinID:     req.TwinID,
		UserID:     id.User.UserID,
		SessionID:  id.Session.SessionID,
		Components: req.Components,
		Type:       lockType,
	})
	var conflict *lock.ConflictError
	if errors.As(err, &conflict) {
		writeLockConflict(w, conflict.LockedBy)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock_id": lockID})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	lockID, err := uuid.Parse(chi.URLParam(r, "lock_id"))
	if err != nil {
		writeBadRequest(w, "invalid lock id")
		return
	}

	err = s.locks.Release(r.Context(), lockID)
	if errors.Is(err, lock.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleLockHeartbeat(w http.ResponseWriter, r *http.Request) {
	lockID, err := uuid.Parse(chi.URLParam(r, "lock_id"))
	if err != nil {
		writeBadRequest(w, "invalid lock id")
		return
	}

	err = s.locks.Heartbeat(r.Context(), lockID)
	switch {
	case errors.Is(err, lock.ErrNotFound):
		writeNotFound(w)
	case errors.Is(err, lock.ErrExpired):
		// The lease lapsed; the client must re-acquire.
		writeJSON(w, http.StatusGone, map[string]string{"error": "lock expired"})
	case err != nil:
		writeInternal(w)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
	}
}

func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req struct {
		TwinID        uuid.UUID       `json:"twin_id"`
		OperationType string          `json:"operation_type"`
		ComponentPath string          `json:"component_path"`
		OperationData json.RawMessage `json:"operation_data"`
		VectorClock   store.ClockMap  `json:"vector_clock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.TwinID == uuid.Nil || req.OperationType == "" || req.ComponentPath == "" {
		writeBadRequest(w, "twin_id, operation_type and component_path are required")
		return
	}

	op, err := s.pipeline.Submit(r.Context(), edit.Op{
		TwinID:        req.TwinID,
		UserID:        id.User.UserID,
		SessionID:     id.Session.SessionID,
		OperationType: req.OperationType,
		ComponentPath: req.ComponentPath,
		Data:          types.JSONText(req.OperationData),
		Clock:         req.VectorClock,
	})
	if errors.Is(err, edit.ErrUnauthorized) {
		writeForbidden(w, "no active lock covering component")
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": op.OperationID})
}

// telemetryFrame is the wire shape of one telemetry sample.
type telemetryFrame struct {
	NodeID        uuid.UUID       `json:"node_id"`
	RPM           *float64        `json:"rpm"`
	TorqueNM      *float64        `json:"torque_nm"`
	VibrationX    *float64        `json:"vibration_x_g"`
	VibrationY    *float64        `json:"vibration_y_g"`
	VibrationZ    *float64        `json:"vibration_z_g"`
	TemperatureC  *float64        `json:"temperature_c"`
	PowerW        *float64        `json:"power_consumption_w"`
	ToolWear      *float64        `json:"tool_wear_percent"`
	ErrorCode     *string         `json:"error_code"`
	CustomMetrics json.RawMessage `json:"custom_metrics"`
}

func (t telemetryFrame) sample() store.Sample {
	return store.Sample{
		NodeID:        t.NodeID,
		RPM:           t.RPM,
		TorqueNM:      t.TorqueNM,
		VibrationX:    t.VibrationX,
		VibrationY:    t.VibrationY,
		VibrationZ:    t.VibrationZ,
		TemperatureC:  t.TemperatureC,
		PowerW:        t.PowerW,
		ToolWear:      t.ToolWear,
		ErrorCode:     t.ErrorCode,
		CustomMetrics: types.JSONText(t.CustomMetrics),
	}
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var frame telemetryFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if frame.NodeID == uuid.Nil {
		writeBadRequest(w, "node_id is required")
		return
	}

	if err := s.ingest.Ingest(r.Context(), frame.sample()); err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ingested"})
}

func (s *Server) handleTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var frames []telemetryFrame
	if err := json.NewDecoder(r.Body).Decode(&frames); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	samples := make([]store.Sample, 0, len(frames))
	for _, f := range frames {
		if f.NodeID == uuid.Nil {
			writeBadRequest(w, "node_id is required on every sample")
			return
		}
		samples = append(samples, f.sample())
	}

	err := s.ingest.IngestBatch(r.Context(), samples)
	if errors.Is(err, ingest.ErrEmptyBatch) {
		writeBadRequest(w, "empty batch")
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "ingested",
		"count":  len(samples),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
