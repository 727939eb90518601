package server

import (
	"net/http"
	"strconv"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

const (
	defaultJobPageSize = 50
	maxJobPageSize     = 500
)

// handleStatus reports daemon state, leadership, and job counts by status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "running",
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC(),
	}
	if rt := s.deps.Runtime; rt != nil {
		resp.Status = rt.Status()
		resp.NodeID = rt.NodeID()
		resp.Leader = rt.IsLeader()
		resp.StartTime = rt.StartTime()
		resp.Uptime = time.Since(rt.StartTime()).Seconds()
	}

	counts, err := s.deps.Store.CountJobsByStatus(r.Context(), "")
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.TransientError("store", err))
		return
	}
	resp.Jobs = make(map[string]int, len(counts))
	for status, n := range counts {
		resp.Jobs[string(status)] = n
	}

	s.writeOK(w, r, resp)
}

// handleJob returns one job row by local id.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeOK(w, r, jobResponse(job))
}

// handleJobList returns the most recently queued jobs, optionally scoped by
// ?repository= and bounded by ?limit=.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	repository := r.URL.Query().Get("repository")
	limit := defaultJobPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.adapter.WriteErrorResponse(w, r, rerrors.ValidationError("limit must be a positive integer").
				WithContext("limit", raw))
			return
		}
		limit = min(n, maxJobPageSize)
	}

	jobs, err := s.deps.Store.ListJobs(r.Context(), repository, limit)
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.TransientError("store", err))
		return
	}

	resp := JobListResponse{
		Jobs:      make([]JobResponse, 0, len(jobs)),
		Timestamp: time.Now().UTC(),
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	resp.Count = len(resp.Jobs)
	s.writeOK(w, r, resp)
}

// handlePools lists every pool row with live occupancy and pending demand.
func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.deps.Store.ListPools(r.Context())
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.TransientError("store", err))
		return
	}

	resp := PoolListResponse{
		Pools:     make([]PoolResponse, 0, len(pools)),
		Timestamp: time.Now().UTC(),
	}
	for _, p := range pools {
		item := poolResponse(p)
		if s.deps.Pools != nil {
			if m, err := s.deps.Pools.PoolMetrics(r.Context(), p.Repository); err == nil {
				item.Total = m.Total
				item.Active = m.Active
				item.Busy = m.Busy
				item.Utilization = m.Utilization
			}
			item.Pending = s.deps.Pools.PendingCount(p.Repository)
		}
		resp.Pools = append(resp.Pools, item)
	}
	resp.Count = len(resp.Pools)
	s.writeOK(w, r, resp)
}

func poolResponse(p *storage.Pool) PoolResponse {
	return PoolResponse{
		Repository:   p.Repository,
		MinRunners:   p.MinRunners,
		MaxRunners:   p.MaxRunners,
		LastScaledAt: p.LastScaledAt,
	}
}

// handleQueue reports ready/delayed/completed/failed counts from the broker.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.DaemonError("queue not available"))
		return
	}
	counts, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.TransientError("broker", err))
		return
	}
	s.writeOK(w, r, QueueResponse{
		Ready:     counts.Ready,
		Delayed:   counts.Delayed,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Timestamp: time.Now().UTC(),
	})
}

// handleReplay re-runs a stored delivery through the normal processing path.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.DaemonError("webhook ingestor not available"))
		return
	}
	deliveryID := r.PathValue("delivery_id")
	result, err := s.deps.Ingestor.Replay(r.Context(), deliveryID)
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeOK(w, r, result)
}

// handleEvaluate forces a scaler pass for one pool. Repositories are always
// owner/name, so the route captures the two segments separately.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scaler == nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.DaemonError("scaler not available"))
		return
	}
	repository := r.PathValue("owner") + "/" + r.PathValue("repo")
	eval, err := s.deps.Scaler.EvaluateNow(r.Context(), repository)
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeOK(w, r, EvaluationResponse{
		Repository:  eval.Repository,
		Action:      string(eval.Action),
		Reason:      eval.Reason,
		Delta:       eval.Delta,
		Utilization: eval.Inputs.Utilization,
		QueueDepth:  eval.Inputs.QueueDepth,
		RunnerCount: eval.Inputs.RunnerCount,
		Timestamp:   eval.At,
	})
}

func (s *Server) writeOK(w http.ResponseWriter, r *http.Request, v any) {
	if err := writeJSONPretty(w, r, http.StatusOK, v); err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.WrapError(err, rerrors.CategoryInternal, "failed to write response"))
	}
}
