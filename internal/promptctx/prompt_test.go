package promptctx

import (
	"strings"
	"testing"
)

func TestBuildSystemPrompt_IncludesToolGuidelines(t *testing.T) {
	prompt := BuildSystemPrompt("/tmp", nil, nil)
	for _, phrase := range []string{
		"Use grep to search file contents",
		"Use find to search for files by name/glob",
		"Use read to view files",
		"Use edit for precise",
		"Use write only for new files or complete rewrites",
		"Use bash for terminal operations",
	} {
		if !strings.Contains(prompt, phrase) {
			t.Fatalf("expected prompt to contain %q, got:\n%s", phrase, prompt)
		}
	}
}

func TestBuildSystemPrompt_IncludesCwd(t *testing.T) {
	prompt := BuildSystemPrompt("/test/dir", nil, nil)
	if !strings.Contains(prompt, "/test/dir") {
		t.Fatalf("expected prompt to contain cwd, got:\n%s", prompt)
	}
}

func TestBuildSystemPrompt_OmitsEmptyBlocks(t *testing.T) {
	prompt := BuildSystemPrompt("/tmp", nil, nil)
	if strings.Contains(prompt, "# Project Context") {
		t.Fatalf("expected no project context block when no files given")
	}
	if strings.Contains(prompt, "# Skills") {
		t.Fatalf("expected no skills block when no skills given")
	}
}

func TestBuildSystemPrompt_IncludesProjectContextAndSkills(t *testing.T) {
	prompt := BuildSystemPrompt("/tmp",
		[]ContextFile{{Path: "/tmp/AGENTS.md", Content: "say hi"}},
		[]Skill{{Name: "deploy", Description: "deploys the app", FilePath: "/tmp/.kon/skills/deploy/SKILL.md"}},
	)
	if !strings.Contains(prompt, "# Project Context") || !strings.Contains(prompt, "say hi") {
		t.Fatalf("expected project context block, got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "# Skills") || !strings.Contains(prompt, "deploy") {
		t.Fatalf("expected skills block, got:\n%s", prompt)
	}
}

func TestAssemble_NoErrorOnEmptyDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cwd := t.TempDir()

	prompt, warnings, err := Assemble(cwd)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", warnings)
	}
	if !strings.Contains(prompt, cwd) {
		t.Fatalf("expected prompt to contain cwd, got:\n%s", prompt)
	}
}
