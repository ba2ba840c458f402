package infra

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// pkcheck exit codes.
const (
	pkcheckAuthorized    = 0
	pkcheckNotAuthorized = 1
	pkcheckChallenge     = 2
	pkcheckDismissed     = 3
)

// PolkitAuthority implements domain.Authority by shelling out to pkcheck,
// which prompts through the caller's session agent when needed.
type PolkitAuthority struct {
	pkcheck string
	runner  CommandRunner
	logger  *zap.Logger
}

// NewPolkitAuthority creates an authority. pkcheck defaults to "pkcheck".
func NewPolkitAuthority(pkcheck string, runner CommandRunner, logger *zap.Logger) *PolkitAuthority {
	if pkcheck == "" {
		pkcheck = "pkcheck"
	}
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	return &PolkitAuthority{pkcheck: pkcheck, runner: runner, logger: logger.With(zap.String("component", "polkit"))}
}

// Check asks polkit whether the caller may perform req.ActionID.
func (a *PolkitAuthority) Check(ctx context.Context, req domain.AuthRequest) (domain.AuthDecision, error) {
	if req.Caller.PID <= 0 {
		return domain.DecisionDeny, fmt.Errorf("caller process unknown")
	}
	args := PkcheckArgs(req)
	err := a.runner.Run(ctx, a.pkcheck, args...)
	code, ran := exitCode(err)
	if !ran {
		return "", fmt.Errorf("run %s: %w", a.pkcheck, err)
	}

	a.logger.Debug("authorization checked",
		zap.String("action_id", req.ActionID),
		zap.Int("pid", req.Caller.PID),
		zap.Int("uid", req.Caller.UID),
		zap.Int("exit_code", code))

	switch code {
	case pkcheckAuthorized:
		return domain.DecisionAllow, nil
	case pkcheckNotAuthorized:
		return domain.DecisionDeny, nil
	case pkcheckChallenge, pkcheckDismissed:
		return domain.DecisionCancelled, nil
	default:
		return "", fmt.Errorf("%s exited with status %d", a.pkcheck, code)
	}
}

// PkcheckArgs builds the pkcheck argument list for req. Details are sorted
// by key so the command line is deterministic.
func PkcheckArgs(req domain.AuthRequest) []string {
	args := []string{
		"--action-id", req.ActionID,
		"--process", strconv.Itoa(req.Caller.PID) + ",0," + strconv.Itoa(req.Caller.UID),
		"--allow-user-interaction",
	}
	keys := make([]string, 0, len(req.Details))
	for k := range req.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--detail", k, req.Details[k])
	}
	return args
}

var _ domain.Authority = (*PolkitAuthority)(nil)
