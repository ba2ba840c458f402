package infra

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Letdown2491/runkit/internal/domain"
)

const (
	// MaxLogLines caps a single tail request.
	MaxLogLines = 1000

	tailChunk = 64 << 10

	// tai64 labels are 2^62 plus TAI seconds; TAI runs 10s ahead of the
	// epoch baseline used by daemontools-style tools.
	tai64Base   = uint64(1) << 62
	tai64Offset = 10
)

// SvlogdReader implements domain.LogReader over svlogd's <logdir>/<svc>/current.
type SvlogdReader struct {
	logDir string
}

// NewSvlogdReader creates a reader rooted at logDir (usually /var/log).
func NewSvlogdReader(logDir string) *SvlogdReader {
	return &SvlogdReader{logDir: logDir}
}

// Tail returns up to n trailing lines, oldest first. A missing log yields
// no lines.
func (r *SvlogdReader) Tail(ctx context.Context, service string, n int) ([]domain.LogLine, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxLogLines {
		n = MaxLogLines
	}

	path := filepath.Join(r.logDir, service, "current")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.LogLine{}, nil
	}
	if err != nil {
		return nil, domain.NewError(domain.KindExecutionFailed, "logs", service, err.Error(), err)
	}
	defer f.Close()

	raw, err := tailLines(ctx, f, n)
	if err != nil {
		return nil, domain.NewError(domain.KindExecutionFailed, "logs", service, err.Error(), err)
	}

	out := make([]domain.LogLine, 0, len(raw))
	for _, line := range raw {
		out = append(out, ParseLogLine(line))
	}
	return out, nil
}

// tailLines reads backwards from the end of f in chunks until n lines are found.
func tailLines(ctx context.Context, f *os.File, n int) ([]string, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := int64(tailChunk)
		if chunk > offset {
			chunk = offset
		}
		offset -= chunk
		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(part, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ParseLogLine splits a leading tai64n or RFC3339 timestamp off line.
func ParseLogLine(line string) domain.LogLine {
	line = strings.TrimRight(line, "\r")
	head, rest, _ := strings.Cut(line, " ")

	if ts, ok := parseTAI64N(head); ok {
		return domain.LogLine{Timestamp: &ts, Text: rest}
	}
	if ts, err := time.Parse(time.RFC3339Nano, head); err == nil {
		ts = ts.UTC()
		return domain.LogLine{Timestamp: &ts, Text: rest}
	}
	// svlogd -tt: 2024-01-02_15:04:05.12345
	if ts, err := time.Parse("2006-01-02_15:04:05.999999999", head); err == nil {
		return domain.LogLine{Timestamp: &ts, Text: rest}
	}
	return domain.LogLine{Text: line}
}

func parseTAI64N(s string) (time.Time, bool) {
	if len(s) != 25 || s[0] != '@' {
		return time.Time{}, false
	}
	secs, err := strconv.ParseUint(s[1:17], 16, 64)
	if err != nil || secs < tai64Base {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseUint(s[17:25], 16, 32)
	if err != nil || nanos >= 1e9 {
		return time.Time{}, false
	}
	unix := int64(secs-tai64Base) - tai64Offset
	return time.Unix(unix, int64(nanos)).UTC(), true
}

var _ domain.LogReader = (*SvlogdReader)(nil)
