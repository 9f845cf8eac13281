package watch

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

// File names inside a watched board directory. Presence is the
// protocol: the signal hands control from tier-1 to tier-2, the stop
// file requests tier-1 shutdown.
const (
	SignalName = "escalation.signal"
	StopName   = "watcher.stop"
)

// Reason tags why tier-1 escalated.
type Reason string

const (
	ReasonStaleAgents   Reason = "stale_agents"
	ReasonAgentFailures Reason = "agent_failures"
	ReasonErrorKeywords Reason = "error_keywords"
	ReasonDeadlock      Reason = "deadlock"
)

// Signal is the escalation handoff between the tiers: everything
// tier-2 needs to rule without re-deriving tier-1's observation.
type Signal struct {
	ID            string
	Reason        Reason
	CreatedAt     time.Time
	StaleAgents   []string
	ErrorExcerpts []string
	LogTail       []string
}

// CreateSignal writes the signal exclusively. A signal already on disk
// is a conflict; the pending escalation stands and must be handled
// before a new one can be raised.
func CreateSignal(dir string, sig *Signal) error {
	path := filepath.Join(dir, SignalName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return faults.Conflict("escalation signal already exists at %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to create escalation signal: %w", err)
	}

	_, werr := f.WriteString(renderSignal(sig))
	cerr := f.Close()
	if werr != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write escalation signal: %w", werr)
	}
	if cerr != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close escalation signal: %w", cerr)
	}
	return nil
}

// LoadSignal reads and parses the pending signal.
func LoadSignal(dir string) (*Signal, error) {
	path := filepath.Join(dir, SignalName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, faults.NotFound("no escalation signal at %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read escalation signal: %w", err)
	}
	return parseSignal(string(raw)), nil
}

// SignalExists reports whether an escalation is pending.
func SignalExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SignalName))
	return err == nil
}

// ArchiveSignal renames the signal aside. This is tier-2's final step
// and tier-1's clear-to-resume indication.
func ArchiveSignal(dir string) (string, error) {
	src := filepath.Join(dir, SignalName)
	dest := filepath.Join(dir, fmt.Sprintf("escalation-%s.archived.signal",
		time.Now().UTC().Format("20060102T150405Z")))
	if err := os.Rename(src, dest); err != nil {
		if os.IsNotExist(err) {
			return "", faults.NotFound("no escalation signal at %s", src)
		}
		return "", fmt.Errorf("failed to archive escalation signal: %w", err)
	}
	return dest, nil
}

// RequestStop writes the stop file. Idempotent; tier-1 archives the
// board and exits on its next pass.
func RequestStop(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create board dir: %w", err)
	}
	text := "stop requested at " + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(filepath.Join(dir, StopName), []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// ClearStop removes the stop file so watching may resume.
func ClearStop(dir string) error {
	err := os.Remove(filepath.Join(dir, StopName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stop file: %w", err)
	}
	return nil
}

// StopRequested reports whether the stop file is present.
func StopRequested(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, StopName))
	return err == nil
}

// renderSignal writes the plain-text signal format: header fields,
// then the error excerpts and log tail sections.
func renderSignal(sig *Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", sig.ID)
	fmt.Fprintf(&b, "reason: %s\n", sig.Reason)
	fmt.Fprintf(&b, "created_at: %s\n", sig.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "stale_agents: %s\n", strings.Join(sig.StaleAgents, ", "))

	b.WriteString("\n== error excerpts ==\n")
	for _, line := range sig.ErrorExcerpts {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\n== log tail ==\n")
	for _, line := range sig.LogTail {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func parseSignal(text string) *Signal {
	sig := &Signal{}
	section := ""
	for _, line := range strings.Split(text, "\n") {
		switch strings.TrimSpace(line) {
		case "== error excerpts ==":
			section = "errors"
			continue
		case "== log tail ==":
			section = "tail"
			continue
		}

		switch section {
		case "errors":
			if strings.TrimSpace(line) != "" {
				sig.ErrorExcerpts = append(sig.ErrorExcerpts, line)
			}
		case "tail":
			if strings.TrimSpace(line) != "" {
				sig.LogTail = append(sig.LogTail, line)
			}
		default:
			key, value, ok := strings.Cut(line, ": ")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch key {
			case "id":
				sig.ID = value
			case "reason":
				sig.Reason = Reason(value)
			case "created_at":
				if ts, err := time.Parse(time.RFC3339, value); err == nil {
					sig.CreatedAt = ts
				}
			case "stale_agents":
				if value != "" {
					sig.StaleAgents = strings.Split(value, ", ")
				}
			}
		}
	}
	return sig
}

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:8]
}
