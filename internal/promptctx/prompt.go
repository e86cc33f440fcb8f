package promptctx

import (
	"runtime"
	"strings"
)

// basePreamble is the fixed tool-usage/behavior guidance sent on every turn,
// independent of project context or skills. It names the tool contract the
// registry expects callers to provide tools under; the tool bodies
// themselves live with the caller.
const basePreamble = `You are an interactive coding assistant operating in a terminal.

Guidelines:
- Use grep to search file contents.
- Use find to search for files by name/glob.
- Use read to view files before editing them.
- Use edit for precise, targeted changes to existing files.
- Use write only for new files or complete rewrites.
- Use bash for terminal operations (running tests, git, builds).
- Prefer the smallest tool call that accomplishes the step; do not re-read
  a file you already have the contents of in this turn.
- When a task is ambiguous, ask before taking a destructive or hard-to-reverse
  action.`

// BuildSystemPrompt assembles the full system prompt: the fixed preamble,
// cwd and OS hints, discovered AGENTS.md content, and the skills manifest.
// Skill bodies are never inlined; only name/description/location.
func BuildSystemPrompt(cwd string, agentsFiles []ContextFile, skills []Skill) string {
	var b strings.Builder
	b.WriteString(basePreamble)
	b.WriteString("\n\nCurrent working directory: ")
	b.WriteString(cwd)
	b.WriteString("\nOperating system: ")
	b.WriteString(osHint())

	if block := FormatAgentsFiles(agentsFiles); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	if block := FormatSkills(skills); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	return b.String()
}

// Assemble is the convenience entry point a caller (e.g. a CLI, out of
// scope here) uses: it runs discovery for cwd and composes the result.
// Discovery warnings are returned alongside the prompt rather than logged
// internally, so the caller decides how to surface them.
func Assemble(cwd string) (prompt string, warnings []SkillWarning, err error) {
	agentsFiles, err := LoadAgentsFiles(cwd)
	if err != nil {
		return "", nil, err
	}

	skillsResult, err := LoadSkills(cwd)
	if err != nil {
		return "", nil, err
	}

	return BuildSystemPrompt(cwd, agentsFiles, skillsResult.Skills), skillsResult.Warnings, nil
}

func osHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}
