package tool

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kontermux/kon/internal/types"
)

// ansiCSIOrOSC matches ANSI CSI (`\x1b[...letter`) and OSC (`\x1b]...BEL/ST`)
// escape sequences emitted by interactive tools (progress bars, color
// codes) that have no meaning once captured as plain tool output text.
var ansiCSIOrOSC = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// c0Control matches C0 control characters other than tab (\t) and newline
// (\n), which are dropped from sanitized output.
var c0Control = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// SanitizeOutput strips ANSI CSI/OSC sequences, normalizes CRLF to LF, and
// drops C0 control characters other than tab/newline.
func SanitizeOutput(s string) string {
	s = ansiCSIOrOSC.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = c0Control.ReplaceAllString(s, "")
	return s
}

// OutputBudget bounds how much sanitized tool output is kept inline.
type OutputBudget struct {
	MaxBytes int
	MaxLines int
}

// DefaultOutputBudget is the shell tool's truncation budget.
var DefaultOutputBudget = OutputBudget{MaxBytes: 30_000, MaxLines: 1000}

// TailTruncate sanitizes s and, if it exceeds budget, spills the full text
// to a temp file and returns only the tail (last MaxLines/MaxBytes), with a
// trailing note pointing at the spill file. Returns the possibly-truncated
// text and the spill path (empty if no truncation occurred).
func TailTruncate(s string, budget OutputBudget) (text string, spillPath string) {
	s = SanitizeOutput(s)

	lines := strings.Split(s, "\n")
	overLines := budget.MaxLines > 0 && len(lines) > budget.MaxLines
	overBytes := budget.MaxBytes > 0 && len(s) > budget.MaxBytes
	if !overLines && !overBytes {
		return s, ""
	}

	path, err := spillToTemp(s)
	if err != nil {
		path = ""
	}

	if overLines {
		lines = lines[len(lines)-budget.MaxLines:]
		s = strings.Join(lines, "\n")
	}
	if budget.MaxBytes > 0 && len(s) > budget.MaxBytes {
		s = s[len(s)-budget.MaxBytes:]
	}

	if path != "" {
		s = fmt.Sprintf("%s\n\n[output truncated; full output written to %s]", s, path)
	} else {
		s = s + "\n\n[output truncated]"
	}
	return s, path
}

// spillToTemp writes the full output to a temp file and returns its path.
func spillToTemp(full string) (string, error) {
	f, err := os.CreateTemp("", "kon-tool-output-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(full); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// sanitizeResult applies TailTruncate to a ToolResult's text output. Image
// parts and display markup pass through unchanged.
func sanitizeResult(res types.ToolResult) types.ToolResult {
	if res.ResultText == "" {
		return res
	}
	res.ResultText, _ = TailTruncate(res.ResultText, DefaultOutputBudget)
	return res
}
