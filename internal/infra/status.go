package infra

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

var (
	runPattern    = regexp.MustCompile(`^run:\s+[^:]+:\s+\(pid\s+(\d+)\)\s+(\d+)s`)
	downPattern   = regexp.MustCompile(`^down:\s+[^:]+:\s+(\d+)s`)
	failPattern   = regexp.MustCompile(`^fail:\s+[^:]+:(?:\s+\(pid\s+(\d+)\))?(?:\s+(\d+)s)?`)
	finishPattern = regexp.MustCompile(`^finish:\s+[^:]+:\s+\(pid\s+(\d+)\)\s+(\d+)s`)
	exitPattern   = regexp.MustCompile(`exit\s+(-?\d+)`)
)

// ParseStatus turns the first line of `sv status` output into a ServiceStatus.
// Unrecognized output yields StateUnknown with Raw retained.
func ParseStatus(service, raw string) domain.ServiceStatus {
	line := raw
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)

	st := domain.ServiceStatus{Service: service, State: domain.StateUnknown, Raw: raw}
	exit := parseExit(line)

	switch {
	case strings.HasPrefix(line, "run:"):
		m := runPattern.FindStringSubmatch(line)
		if m == nil {
			return st
		}
		pid := atoi(m[1])
		if pid <= 0 {
			return st
		}
		st.State = domain.StateRunning
		st.PID = pid
		st.Uptime = seconds(m[2])

	case strings.HasPrefix(line, "down:"):
		m := downPattern.FindStringSubmatch(line)
		if m == nil {
			return st
		}
		st.State = domain.StateDown
		st.Uptime = seconds(m[1])
		st.NormallyUp = strings.Contains(line, "normally up")
		if exit != 0 {
			st.State = domain.StateFailed
			st.ExitCode = exit
		}

	case strings.HasPrefix(line, "fail:"):
		st.State = domain.StateFailed
		st.ExitCode = exit
		if m := failPattern.FindStringSubmatch(line); m != nil {
			st.PID = atoi(m[1])
			st.Uptime = seconds(m[2])
		}

	case strings.HasPrefix(line, "finish:"):
		// finish script still running; the service itself is down.
		m := finishPattern.FindStringSubmatch(line)
		if m == nil {
			return st
		}
		st.State = domain.StateDown
		st.PID = atoi(m[1])
		st.Uptime = seconds(m[2])
		if exit != 0 {
			st.State = domain.StateFailed
			st.ExitCode = exit
		}
	}

	return st
}

func parseExit(line string) int {
	m := exitPattern.FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	return atoi(m[1])
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func seconds(s string) time.Duration {
	return time.Duration(atoi(s)) * time.Second
}

// SvStatusReader implements domain.StatusReader on top of a CommandExecutor.
type SvStatusReader struct {
	exec   domain.CommandExecutor
	links  domain.SymlinkManager
	procs  domain.ProcessManager
	logger *zap.Logger
}

// NewSvStatusReader creates a status reader. When links is non-nil, services
// without an enablement entry are reported down without invoking the tool.
// When procs is non-nil, a pid reported for a stopped or failed service is
// dropped once that process has exited.
func NewSvStatusReader(exec domain.CommandExecutor, links domain.SymlinkManager, procs domain.ProcessManager, logger *zap.Logger) *SvStatusReader {
	return &SvStatusReader{exec: exec, links: links, procs: procs, logger: logger.With(zap.String("component", "status"))}
}

// Status queries the supervisor. It never fails; problems become StateUnknown.
func (r *SvStatusReader) Status(ctx context.Context, name string) domain.ServiceStatus {
	if r.links != nil && !r.links.IsEnabled(name) {
		return domain.ServiceStatus{Service: name, State: domain.StateDown}
	}

	res, err := r.exec.Run(ctx, VerbStatus, name)
	if err != nil {
		r.logger.Debug("status query failed", zap.String("service", name), zap.Error(err))
		// sv prints "fail:"/"down:" lines with a non-zero exit for some states.
		if res != nil && strings.TrimSpace(res.Stdout) != "" {
			return r.checkPID(ParseStatus(name, res.Stdout))
		}
		msg := err.Error()
		return domain.ServiceStatus{Service: name, State: domain.StateUnknown, Raw: msg}
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return domain.ServiceStatus{Service: name, State: domain.StateUnknown}
	}
	return r.checkPID(ParseStatus(name, res.Stdout))
}

// checkPID clears a leftover pid (finish script, failed start) that is gone.
func (r *SvStatusReader) checkPID(st domain.ServiceStatus) domain.ServiceStatus {
	if r.procs == nil || st.State == domain.StateRunning || !st.HasPID() {
		return st
	}
	if !r.procs.IsRunning(st.PID) {
		r.logger.Debug("stale pid cleared", zap.String("service", st.Service), zap.Int("pid", st.PID))
		st.PID = 0
	}
	return st
}

var _ domain.StatusReader = (*SvStatusReader)(nil)
