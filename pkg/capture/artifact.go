package capture

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chanced/caps"
	"k8s.io/apimachinery/pkg/types"
)

const (
	headerRule  = 80
	sectionRule = 40
)

// ContainerSection holds the capture result for one container instance.
// Exactly one of Logs and CaptureError carries content; an empty fetch is
// rendered as "No logs available".
type ContainerSection struct {
	Name         string
	Previous     bool
	Logs         string
	CaptureError string
}

func (s ContainerSection) title() string {
	if s.Previous {
		return fmt.Sprintf("Container: %s (previous)", s.Name)
	}
	return fmt.Sprintf("Container: %s", s.Name)
}

// Artifact is the write-once log capture for a single pod failure.
type Artifact struct {
	CaptureID  string
	PodName    string
	Namespace  string
	UID        types.UID
	Reason     string
	CapturedAt time.Time
	Sections   []ContainerSection
}

func (a *Artifact) HasCaptureErrors() bool {
	for _, s := range a.Sections {
		if s.CaptureError != "" {
			return true
		}
	}
	return false
}

// FileName builds a deterministic, sortable artifact name: pod name, failure
// reason slug, capture timestamp, and a uid prefix for collision resistance.
func (a *Artifact) FileName() string {
	return fmt.Sprintf("%s_%s_%s_%s.log",
		sanitizeNamePart(a.PodName),
		caps.ToKebab(a.Reason),
		a.CapturedAt.Format("20060102_150405"),
		uidPrefix(a.UID),
	)
}

func (a *Artifact) Render() []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Pod: %s\n", a.PodName)
	fmt.Fprintf(&buf, "Namespace: %s\n", a.Namespace)
	fmt.Fprintf(&buf, "UID: %s\n", a.UID)
	fmt.Fprintf(&buf, "Failure Reason: %s\n", a.Reason)
	fmt.Fprintf(&buf, "Timestamp: %s\n", a.CapturedAt.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Capture ID: %s\n", a.CaptureID)
	buf.WriteString(strings.Repeat("=", headerRule) + "\n\n")

	for _, section := range a.Sections {
		buf.WriteString(section.title() + "\n")
		buf.WriteString(strings.Repeat("-", sectionRule) + "\n")

		switch {
		case section.CaptureError != "":
			fmt.Fprintf(&buf, "Error retrieving logs: %s\n", section.CaptureError)
		case section.Logs == "":
			buf.WriteString("No logs available\n")
		default:
			buf.WriteString(section.Logs)
			if !strings.HasSuffix(section.Logs, "\n") {
				buf.WriteString("\n")
			}
		}

		buf.WriteString("\n")
	}

	return buf.Bytes()
}

// WriteFile writes the rendered artifact into dir and returns the full path.
func (a *Artifact) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create log directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, a.FileName())
	if err := os.WriteFile(path, a.Render(), 0o644); err != nil {
		return "", fmt.Errorf("unable to write log artifact %q: %w", path, err)
	}

	return path, nil
}

func sanitizeNamePart(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\':
			return '_'
		}
		return r
	}, name)
}

func uidPrefix(uid types.UID) string {
	s := string(uid)
	if len(s) > 8 {
		return s[:8]
	}
	if s == "" {
		return "nouid"
	}
	return s
}
