package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// HealthResponse is the liveness/readiness payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StatusResponse is the daemon status API response.
type StatusResponse struct {
	Status    string         `json:"status"`
	NodeID    string         `json:"node_id,omitempty"`
	Leader    bool           `json:"leader"`
	Version   string         `json:"version,omitempty"`
	Uptime    float64        `json:"uptime"`
	StartTime time.Time      `json:"start_time"`
	Jobs      map[string]int `json:"jobs"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobResponse renders one job row.
type JobResponse struct {
	ID               string     `json:"id"`
	JobID            int64      `json:"job_id"`
	RunID            int64      `json:"run_id"`
	Repository       string     `json:"repository"`
	JobName          string     `json:"job_name,omitempty"`
	Workflow         string     `json:"workflow,omitempty"`
	HeadSHA          string     `json:"head_sha,omitempty"`
	JobURL           string     `json:"job_url,omitempty"`
	Labels           []string   `json:"labels,omitempty"`
	Status           string     `json:"status"`
	Priority         int        `json:"priority"`
	RunnerID         int64      `json:"runner_id,omitempty"`
	RunnerName       string     `json:"runner_name,omitempty"`
	AssignedRunnerID string     `json:"assigned_runner_id,omitempty"`
	Conclusion       string     `json:"conclusion,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Error            string     `json:"error,omitempty"`
	QueuedAt         time.Time  `json:"queued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationMS       int64      `json:"duration_ms,omitempty"`
}

// JobListResponse wraps a page of recent jobs.
type JobListResponse struct {
	Jobs      []JobResponse `json:"jobs"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
}

// PoolResponse is one pool row with live occupancy.
type PoolResponse struct {
	Repository   string     `json:"repository"`
	MinRunners   int        `json:"min_runners"`
	MaxRunners   int        `json:"max_runners"`
	Total        int        `json:"total"`
	Active       int        `json:"active"`
	Busy         int        `json:"busy"`
	Utilization  float64    `json:"utilization"`
	Pending      int        `json:"pending"`
	LastScaledAt *time.Time `json:"last_scaled_at,omitempty"`
}

// PoolListResponse wraps all known pools.
type PoolListResponse struct {
	Pools     []PoolResponse `json:"pools"`
	Count     int            `json:"count"`
	Timestamp time.Time      `json:"timestamp"`
}

// QueueResponse reports queue depth counts.
type QueueResponse struct {
	Ready     int64     `json:"ready"`
	Delayed   int64     `json:"delayed"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// EvaluationResponse reports a manual scaler evaluation.
type EvaluationResponse struct {
	Repository  string    `json:"repository"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	Delta       int       `json:"delta,omitempty"`
	Utilization float64   `json:"utilization"`
	QueueDepth  int       `json:"queue_depth"`
	RunnerCount int       `json:"runner_count"`
	Timestamp   time.Time `json:"timestamp"`
}

func jobResponse(j *storage.Job) JobResponse {
	return JobResponse{
		ID:               j.ID,
		JobID:            j.JobID,
		RunID:            j.RunID,
		Repository:       j.Repository,
		JobName:          j.JobName,
		Workflow:         j.Workflow,
		HeadSHA:          j.HeadSHA,
		JobURL:           j.JobURL,
		Labels:           j.Labels,
		Status:           string(j.Status),
		Priority:         j.Priority,
		RunnerID:         j.RunnerID,
		RunnerName:       j.RunnerName,
		AssignedRunnerID: j.AssignedRunnerID,
		Conclusion:       j.Conclusion,
		ExitCode:         j.ExitCode,
		Error:            j.Error,
		QueuedAt:         j.QueuedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		DurationMS:       j.DurationMS,
	}
}

// writeJSON serializes the provided value to JSON and writes it with the given
// status code. Encoding goes through an intermediate buffer so a failed
// serialization never sends a partial response.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}

// writeJSONPretty pretty prints when pretty=true via query parameter and
// falls back to compact form if indenting fails.
func writeJSONPretty(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if r != nil {
		if p := r.URL.Query().Get("pretty"); p == "1" || p == "true" {
			b, err := json.MarshalIndent(v, "", "  ")
			if err == nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				if _, werr := w.Write(append(b, '\n')); werr != nil { // newline parity with Encoder
					slog.Error("failed writing pretty JSON", logfields.Error(werr))
					return werr
				}
				return nil
			}
			slog.Warn("pretty JSON marshal failed, falling back to standard encode", logfields.Error(err))
		}
	}
	return writeJSON(w, status, v)
}
