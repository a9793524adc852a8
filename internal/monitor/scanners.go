package monitor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/taskqueue"
)

// StaleSessionScanner flags sessions with no activity past the threshold.
type StaleSessionScanner struct {
	Sessions  *sessions.Manager
	StaleAfter time.Duration
}

func (s *StaleSessionScanner) Name() string { return "stale_sessions" }

func (s *StaleSessionScanner) Scan(ctx context.Context) ([]Alert, error) {
	threshold := s.StaleAfter
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}
	var alerts []Alert
	for _, info := range s.Sessions.StaleSince(time.Now().Add(-threshold)) {
		alerts = append(alerts, Alert{
			Severity:  "info",
			SessionID: info.ID,
			Message:   fmt.Sprintf("session idle since %s", info.Updated.Format(time.RFC3339)),
		})
	}
	return alerts, nil
}

// FailedTaskScanner reports terminally failed tasks.
type FailedTaskScanner struct {
	Queue *taskqueue.Queue
	Limit int
}

func (s *FailedTaskScanner) Name() string { return "failed_tasks" }

func (s *FailedTaskScanner) Scan(ctx context.Context) ([]Alert, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 10
	}
	tasks, err := s.Queue.List(ctx, taskqueue.Filter{Status: taskqueue.StatusFailed, Limit: limit})
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	for _, task := range tasks {
		alerts = append(alerts, Alert{
			Severity: "warning",
			Message:  fmt.Sprintf("task %s failed after %d attempts: %s", task.ID, task.Attempts, task.Error),
		})
	}
	return alerts, nil
}

// SystemHealthScanner warns on an oversized memory file and low disk.
type SystemHealthScanner struct {
	MemoryPath  string
	MemoryMaxKB int
	DiskWarnPct int
	DiskPath    string
}

func (s *SystemHealthScanner) Name() string { return "system_health" }

func (s *SystemHealthScanner) Scan(ctx context.Context) ([]Alert, error) {
	var alerts []Alert

	maxKB := s.MemoryMaxKB
	if maxKB <= 0 {
		maxKB = 512
	}
	if info, err := os.Stat(s.MemoryPath); err == nil {
		if kb := info.Size() / 1024; kb > int64(maxKB) {
			alerts = append(alerts, Alert{
				Severity: "warning",
				Message:  fmt.Sprintf("memory file is %d KB (limit %d KB), consider pruning", kb, maxKB),
			})
		}
	}

	warnPct := s.DiskWarnPct
	if warnPct <= 0 {
		warnPct = 90
	}
	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	if pct, err := diskUsagePct(path); err == nil && pct >= warnPct {
		alerts = append(alerts, Alert{
			Severity: "warning",
			Message:  fmt.Sprintf("disk usage at %d%% on %s", pct, path),
		})
	}
	return alerts, nil
}

func diskUsagePct(path string) (int, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	if stat.Blocks == 0 {
		return 0, fmt.Errorf("no block count for %s", path)
	}
	used := stat.Blocks - stat.Bfree
	return int(used * 100 / stat.Blocks), nil
}

var followUpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremind me\b`),
	regexp.MustCompile(`(?i)\bfollow up\b`),
	regexp.MustCompile(`(?i)\bdon't forget\b`),
	regexp.MustCompile(`(?i)\bcheck back\b`),
	regexp.MustCompile(`(?i)\blater today\b`),
	regexp.MustCompile(`(?i)\btomorrow\b`),
}

// FollowUpScanner flags sessions whose last user message asked a question
// that got no reply, or mentioned a follow-up commitment.
type FollowUpScanner struct {
	Sessions *sessions.Manager
}

func (s *FollowUpScanner) Name() string { return "follow_ups" }

func (s *FollowUpScanner) Scan(ctx context.Context) ([]Alert, error) {
	var alerts []Alert
	for _, info := range s.Sessions.List() {
		history := s.Sessions.History(info.ID)
		if len(history) == 0 {
			continue
		}
		last := history[len(history)-1]
		if last.Role == "user" {
			trimmed := strings.TrimSpace(last.Content)
			if strings.HasSuffix(trimmed, "?") {
				alerts = append(alerts, Alert{
					Severity:  "info",
					SessionID: info.ID,
					Message:   "unanswered question at end of conversation",
				})
				continue
			}
		}
		for _, pattern := range followUpPatterns {
			if pattern.MatchString(last.Content) {
				alerts = append(alerts, Alert{
					Severity:  "info",
					SessionID: info.ID,
					Message:   "conversation mentions a follow-up commitment",
				})
				break
			}
		}
	}
	return alerts, nil
}

// FromComponents assembles the standard scanner set.
func FromComponents(mgr *sessions.Manager, queue *taskqueue.Queue, memoryPath string, staleAfter time.Duration, memoryMaxKB, diskWarnPct int) []Scanner {
	scanners := []Scanner{
		&StaleSessionScanner{Sessions: mgr, StaleAfter: staleAfter},
		&FollowUpScanner{Sessions: mgr},
		&SystemHealthScanner{MemoryPath: memoryPath, MemoryMaxKB: memoryMaxKB, DiskWarnPct: diskWarnPct},
	}
	if queue != nil {
		scanners = append(scanners, &FailedTaskScanner{Queue: queue})
	}
	return scanners
}
