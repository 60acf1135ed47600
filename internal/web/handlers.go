package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"salonreach/internal/campaign"
	"salonreach/internal/session"
)

const maxListLimit = 100

// campaignRequest is the body of POST /whatsapp/send-campaign.
type campaignRequest struct {
	Messages []campaign.Job           `json:"messages"`
	Options  *campaign.OptionsRequest `json:"options,omitempty"`
}

func (s *Server) handleInitialize(rw http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(rw, r)
	if err != nil {
		return
	}
	if b := bytes.TrimSpace(body); len(b) > 0 && !bytes.Equal(b, []byte("{}")) {
		writeError(rw, http.StatusBadRequest, "Invalid request", "initialize takes no parameters")
		return
	}

	res, err := s.cfg.Session.Initialize(r.Context())
	if err != nil {
		s.sessionError(rw, "Failed to initialize WhatsApp session", err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.cfg.Session.Status(r.Context()))
}

func (s *Server) handleStop(rw http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Session.Stop(r.Context())
	if err != nil {
		s.sessionError(rw, "Failed to stop WhatsApp session", err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) handleRestart(rw http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Session.Restart(r.Context())
	if err != nil {
		s.sessionError(rw, "Failed to restart WhatsApp session", err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) sessionError(rw http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "err", err)
	details := err.Error()
	var ie *session.InitError
	if errors.As(err, &ie) {
		details = ie.Message()
	}
	writeError(rw, http.StatusInternalServerError, msg, details)
}

func (s *Server) handleSendCampaign(rw http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(rw, r)
	if err != nil {
		return
	}
	var req campaignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(rw, http.StatusBadRequest, "Invalid request", "body must be a JSON object: "+err.Error())
		return
	}
	opts := req.Options.Resolve(s.cfg.CampaignDefaults)

	// A campaign outlives a dropped client connection; only Stop aborts it.
	ctx := context.WithoutCancel(r.Context())
	report, err := s.cfg.Campaigns.Dispatch(ctx, req.Messages, opts)
	switch {
	case err == nil:
	case campaign.IsValidation(err):
		writeError(rw, http.StatusBadRequest, "Invalid campaign request", err.Error())
		return
	case errors.Is(err, campaign.ErrNotLoggedIn):
		writeJSON(rw, http.StatusBadRequest, report)
		return
	case errors.Is(err, campaign.ErrCampaignRunning):
		writeError(rw, http.StatusConflict, "A campaign is already running", "wait for it to finish or stop the session")
		return
	default:
		s.logger.Error("campaign dispatch failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "Failed to send campaign", err.Error())
		return
	}

	if s.cfg.History != nil {
		saveCtx, cancel := context.WithTimeout(ctx, historySaveTimeout)
		if err := s.cfg.History.SaveReport(saveCtx, report); err != nil {
			s.logger.Error("failed to store campaign report", "id", report.ID, "err", err)
		}
		cancel()
	}
	writeJSON(rw, http.StatusOK, report)
}

func (s *Server) handleListCampaigns(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(rw, http.StatusNotFound, "Campaign history is disabled", "")
		return
	}
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(rw, http.StatusBadRequest, "Invalid request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	reports, err := s.cfg.History.ListReports(r.Context(), limit)
	if err != nil {
		s.logger.Error("list campaigns failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "Failed to list campaigns", err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"campaigns": reports})
}

func (s *Server) handleGetCampaign(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(rw, http.StatusNotFound, "Campaign history is disabled", "")
		return
	}
	id := r.PathValue("id")
	report, err := s.cfg.History.GetReport(r.Context(), id)
	if err != nil {
		s.logger.Error("get campaign failed", "id", id, "err", err)
		writeError(rw, http.StatusInternalServerError, "Failed to load campaign", err.Error())
		return
	}
	if report == nil {
		writeError(rw, http.StatusNotFound, "Campaign not found", id)
		return
	}
	writeJSON(rw, http.StatusOK, report)
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":          "ok",
		"session":         s.cfg.Session.State(),
		"campaignRunning": s.cfg.Campaigns.Running(),
		"bufferedEvents":  s.cfg.Events.HistoryLen(),
	})
}

// readBody reads the capped request body, writing the error response itself
// when it fails.
func (s *Server) readBody(rw http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(rw, http.StatusRequestEntityTooLarge, "Request body too large",
				"limit is "+strconv.FormatInt(tooBig.Limit, 10)+" bytes")
			return nil, err
		}
		writeError(rw, http.StatusBadRequest, "Invalid request", err.Error())
		return nil, err
	}
	return body, nil
}
