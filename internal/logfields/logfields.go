package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID       = "job_id"
	KeyForgeJobID  = "forge_job_id"
	KeyRunID       = "run_id"
	KeyJobPriority = "job_priority"
	KeyJobStatus   = "job_status"
	KeyRunnerID    = "runner_id"
	KeyRunnerName  = "runner_name"
	KeyContainerID = "container_id"
	KeyNetwork     = "network"
	KeyPool        = "pool"
	KeyRepo        = "repository"
	KeyWorkflow    = "workflow"
	KeyEvent       = "event"
	KeyAction      = "action"
	KeyDeliveryID  = "delivery_id"
	KeyRuleID      = "rule_id"
	KeyDecision    = "decision"
	KeyEndpoint    = "endpoint"
	KeyAttempt     = "attempt"
	KeyDurationMS  = "duration_ms"
	KeyError       = "error"
	KeyMethod      = "method"
	KeyPath        = "path"
	KeyStatus      = "status"
	KeyUserAgent   = "user_agent"
	KeyRemoteAddr  = "remote_addr"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id string) slog.Attr        { return slog.String(KeyJobID, id) }
func ForgeJobID(id int64) slog.Attr    { return slog.Int64(KeyForgeJobID, id) }
func RunID(id int64) slog.Attr         { return slog.Int64(KeyRunID, id) }
func JobPriority(p int) slog.Attr      { return slog.Int(KeyJobPriority, p) }
func JobStatus(s string) slog.Attr     { return slog.String(KeyJobStatus, s) }
func RunnerID(id string) slog.Attr     { return slog.String(KeyRunnerID, id) }
func RunnerName(n string) slog.Attr    { return slog.String(KeyRunnerName, n) }
func ContainerID(id string) slog.Attr  { return slog.String(KeyContainerID, id) }
func Network(n string) slog.Attr       { return slog.String(KeyNetwork, n) }
func Pool(p string) slog.Attr          { return slog.String(KeyPool, p) }
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func Workflow(w string) slog.Attr      { return slog.String(KeyWorkflow, w) }
func Event(e string) slog.Attr         { return slog.String(KeyEvent, e) }
func Action(a string) slog.Attr        { return slog.String(KeyAction, a) }
func DeliveryID(id string) slog.Attr   { return slog.String(KeyDeliveryID, id) }
func RuleID(id string) slog.Attr       { return slog.String(KeyRuleID, id) }
func Decision(d string) slog.Attr      { return slog.String(KeyDecision, d) }
func Endpoint(e string) slog.Attr      { return slog.String(KeyEndpoint, e) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// HTTP request fields, used by the server middleware.
func Method(m string) slog.Attr     { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr       { return slog.String(KeyPath, p) }
func Status(code int) slog.Attr     { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }
