package lifecycle

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

// cpuPeriod is the scheduler window the CPU quota applies to, in microseconds.
const cpuPeriod = 100000

var memoryForm = regexp.MustCompile(`(?i)^([0-9]+)([bkmg])$`)

// Limits carries the resource bounds applied to one runner container.
// Zero values leave the corresponding resource unlimited.
type Limits struct {
	CPUShares   int64
	CPUQuota    int64 // microseconds per cpuPeriod
	MemoryBytes int64
	Pids        int64
}

// ParseMemory converts a "<integer><b|k|m|g>" string (case-insensitive) to
// bytes. Every other form is rejected.
func ParseMemory(raw string) (int64, error) {
	m := memoryForm.FindStringSubmatch(raw)
	if m == nil {
		return 0, rerrors.ValidationFailed("memory", "want <integer><b|k|m|g>, got "+strconv.Quote(raw))
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, rerrors.ValidationFailed("memory", "integer part out of range")
	}
	var shift uint
	switch strings.ToLower(m[2]) {
	case "k":
		shift = 10
	case "m":
		shift = 20
	case "g":
		shift = 30
	}
	if n > math.MaxInt64>>shift {
		return 0, rerrors.ValidationFailed("memory", "value overflows")
	}
	return n << shift, nil
}

// FormatMemory renders a non-negative byte count in the "<integer><b|k|m|g>"
// form ParseMemory accepts. The largest unit dividing n exactly is chosen, so
// ParseMemory(FormatMemory(n)) == n.
func FormatMemory(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return strconv.FormatInt(n>>30, 10) + "g"
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatInt(n>>20, 10) + "m"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatInt(n>>10, 10) + "k"
	default:
		return strconv.FormatInt(n, 10) + "b"
	}
}

// LimitsFromConfig resolves the configured bounds, parsing the memory form.
func LimitsFromConfig(cfg config.LimitsConfig) (Limits, error) {
	l := Limits{CPUShares: cfg.CPUShares, CPUQuota: cfg.CPUQuota, Pids: cfg.Pids}
	if cfg.Memory != "" {
		mem, err := ParseMemory(cfg.Memory)
		if err != nil {
			return Limits{}, err
		}
		l.MemoryBytes = mem
	}
	return l, nil
}

// resources maps the limits onto the engine's host-config block. Swap is
// pinned to the memory limit, so containers get no extra swap headroom.
func (l Limits) resources() container.Resources {
	res := container.Resources{CPUShares: l.CPUShares}
	if l.CPUQuota > 0 {
		res.CPUQuota = l.CPUQuota
		res.CPUPeriod = cpuPeriod
	}
	if l.MemoryBytes > 0 {
		res.Memory = l.MemoryBytes
		res.MemorySwap = l.MemoryBytes
	}
	if l.Pids > 0 {
		pids := l.Pids
		res.PidsLimit = &pids
	}
	return res
}
