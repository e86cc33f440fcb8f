// Package promptctx implements system-prompt assembly (component H):
// AGENTS.md discovery, skills-manifest discovery, and composition of the
// fixed instructional preamble into the system prompt handed to a provider.
package promptctx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kontermux/kon/internal/config"
)

// ContextFileCandidates lists the filenames checked in each directory, in
// priority order: the first one present wins for that directory.
var ContextFileCandidates = []string{"AGENTS.md", "CLAUDE.md"}

// ContextFile is one discovered project-context file.
type ContextFile struct {
	Path    string
	Content string
}

// findGitRoot walks up from start looking for a ".git" directory, returning
// its path or "" if none is found before the filesystem root.
func findGitRoot(start string) string {
	current := start
	for {
		if info, err := os.Stat(filepath.Join(current, ".git")); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// stopDirectory returns the ancestor directory at which AGENTS.md discovery
// stops walking upward: the nearest git root, else the user's home directory
// if cwd is under it, else cwd itself.
func stopDirectory(cwd string) string {
	if root := findGitRoot(cwd); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return cwd
	}
	home = filepath.Clean(home)
	rel, err := filepath.Rel(home, cwd)
	if err != nil || strings.HasPrefix(rel, "..") {
		return cwd
	}
	return home
}

// loadContextFileFromDir returns the first candidate filename present in
// dir, or nil if none exist.
func loadContextFileFromDir(dir string) *ContextFile {
	for _, name := range ContextFileCandidates {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return &ContextFile{Path: path, Content: string(data)}
	}
	return nil
}

// LoadAgentsFiles discovers AGENTS.md (or CLAUDE.md) files:
// the global config directory first, then ancestor directories from the stop
// directory down to cwd (closest to cwd last), so project-specific
// instructions appear after global ones.
func LoadAgentsFiles(cwd string) ([]ContextFile, error) {
	resolved, err := filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}

	var files []ContextFile
	seen := make(map[string]bool)

	if dir, err := config.DataDir(); err == nil {
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			if cf := loadContextFileFromDir(dir); cf != nil {
				files = append(files, *cf)
				seen[cf.Path] = true
			}
		}
	}

	stop := stopDirectory(resolved)

	var ancestors []ContextFile
	current := resolved
	for {
		if cf := loadContextFileFromDir(current); cf != nil && !seen[cf.Path] {
			ancestors = append([]ContextFile{*cf}, ancestors...)
			seen[cf.Path] = true
		}
		if current == stop {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	files = append(files, ancestors...)

	log.Debug().Int("count", len(files)).Str("cwd", resolved).Msg("loaded AGENTS.md context files")
	return files, nil
}

// FormatAgentsFiles renders discovered context files as the "Project
// Context" system-prompt block, or "" if none were found.
func FormatAgentsFiles(files []ContextFile) string {
	if len(files) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Project Context\n\n")
	b.WriteString("Project guidelines for coding agents.\n\n")
	b.WriteString("<project_guidelines>\n")
	for _, cf := range files {
		b.WriteString(`<file path="`)
		b.WriteString(escapeXML(cf.Path))
		b.WriteString("\">\n")
		b.WriteString(escapeXML(cf.Content))
		b.WriteString("\n</file>\n")
	}
	b.WriteString("</project_guidelines>")
	return b.String()
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
