package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/progress"
)

var errClientGone = errors.New("client disconnected before the stream ended")

// handleExecuteTask prepares a task and streams its execution. The task is
// marked completed only when the stream ended with a completed event.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req engine.TaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Errorf("invalid request body: %w", err))
		return
	}

	sess, err := s.cfg.Preparer.Prepare(r.Context(), req)
	if err != nil {
		s.writeError(w, prepareStatus(err), engine.ErrorCode(err), err)
		return
	}

	progress.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	enc := progress.NewEncoder(w)
	logger := s.logger.WithTaskID(sess.Task.ID).WithExecutionID(sess.ExecutionID)

	var (
		outcome progress.Outcome
		sendErr error
	)
	if sendErr = enc.Encode(progress.New(progress.StatusStarting, "🚀 Starting task %q (#%d)", sess.Task.Name, sess.Task.ID)); sendErr == nil {
		for ev := range s.cfg.Streamer.Stream(r.Context(), sess) {
			outcome.Observe(ev)
			if sendErr = enc.Encode(ev); sendErr != nil {
				break
			}
		}
	}

	// The request context is done once the client leaves.
	ctx := context.WithoutCancel(r.Context())
	switch {
	case sendErr != nil:
		logger.WithError(sendErr).Warn("task stream interrupted")
		err = s.cfg.Preparer.MarkFailed(ctx, sess, errClientGone)
	case outcome.Completed():
		err = s.cfg.Preparer.MarkCompleted(ctx, sess)
	default:
		err = s.cfg.Preparer.MarkFailed(ctx, sess, outcome.Err())
	}
	if err != nil {
		logger.WithError(err).Error("failed to record task outcome")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Errorf("invalid task id %q", r.PathValue("id")))
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, prepareStatus(err), engine.ErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// prepareStatus maps a preparation error to an HTTP status.
func prepareStatus(err error) int {
	switch engine.ErrorCode(err) {
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeConflict, engine.ErrCodeAlreadyExists, engine.ErrCodeInvalidTransition:
		return http.StatusConflict
	case engine.ErrCodeTemplateRendering:
		return http.StatusUnprocessableEntity
	}
	if engine.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
