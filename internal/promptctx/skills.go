package promptctx

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kontermux/kon/internal/config"
)

const (
	maxSkillNameLength        = 64
	maxSkillDescriptionLength = 1024
)

var skillNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Skill is one discovered skill, advertised to the model by name and
// description only; its body is loaded on demand via the read tool.
type Skill struct {
	Name        string
	Description string
	FilePath    string
	BaseDir     string
}

// SkillWarning records a malformed or colliding skill entry that was skipped
// (or kept with a caveat) rather than failing discovery outright.
type SkillWarning struct {
	SkillPath string
	Message   string
}

// LoadSkillsResult bundles the skills that validated successfully with any
// warnings accumulated along the way.
type LoadSkillsResult struct {
	Skills   []Skill
	Warnings []SkillWarning
}

// parseFrontmatter extracts a flat key:value frontmatter block delimited by
// "---" lines at the top of a skill file. This is intentionally not a YAML
// parser: skill frontmatter here is a flat key:value subset, matching the
// source format this is grounded on.
func parseFrontmatter(content string) map[string]string {
	result := make(map[string]string)
	if !strings.HasPrefix(content, "---") {
		return result
	}

	rest := content[3:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		// Also accept a CRLF-terminated closing line ("\n---\r\n"). A closing
		// "---" at the very end of the content, with no newline after it, is
		// not recognized.
		idx = strings.Index(rest, "\n---\r\n")
		if idx < 0 {
			return result
		}
	}

	block := rest[:idx]
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		result[key] = value
	}
	return result
}

// validateSkill returns the warnings implied by a skill's name/description
// against its parent directory name: names are lowercase-kebab, 1-64 chars;
// descriptions are required and at most 1024 chars.
func validateSkill(name, description, parentDirName, filePath string) []SkillWarning {
	var warnings []SkillWarning

	if name != parentDirName {
		warnings = append(warnings, SkillWarning{filePath, `name "` + name + `" does not match directory "` + parentDirName + `"`})
	}
	if len(name) > maxSkillNameLength {
		warnings = append(warnings, SkillWarning{filePath, "name exceeds 64 characters"})
	}
	if !skillNamePattern.MatchString(name) {
		warnings = append(warnings, SkillWarning{filePath, "name must be lowercase a-z, 0-9, hyphens only"})
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		warnings = append(warnings, SkillWarning{filePath, "name must not start or end with hyphen"})
	}
	if strings.Contains(name, "--") {
		warnings = append(warnings, SkillWarning{filePath, "name must not contain consecutive hyphens"})
	}
	if strings.TrimSpace(description) == "" {
		warnings = append(warnings, SkillWarning{filePath, "description is required"})
	}
	if len(description) > maxSkillDescriptionLength {
		warnings = append(warnings, SkillWarning{filePath, "description exceeds 1024 characters"})
	}

	return warnings
}

// loadSkillFromDir loads SKILL.md from skillDir, if present. A skill with no
// usable description is dropped (returns nil, warnings) rather than
// advertised with an empty description.
func loadSkillFromDir(skillDir string) (*Skill, []SkillWarning) {
	skillFile := filepath.Join(skillDir, "SKILL.md")
	data, err := os.ReadFile(skillFile)
	if err != nil {
		return nil, nil
	}

	frontmatter := parseFrontmatter(string(data))
	parentDirName := filepath.Base(skillDir)

	name := frontmatter["name"]
	if name == "" {
		name = parentDirName
	}
	description := frontmatter["description"]

	warnings := validateSkill(name, description, parentDirName, skillFile)

	if strings.TrimSpace(description) == "" {
		return nil, warnings
	}

	return &Skill{
		Name:        name,
		Description: description,
		FilePath:    skillFile,
		BaseDir:     skillDir,
	}, warnings
}

// loadSkillsFromDir lists immediate subdirectories of directory, loading any
// that contain a SKILL.md. Hidden entries (dotfiles) and non-directories are
// skipped.
func loadSkillsFromDir(directory string) LoadSkillsResult {
	var result LoadSkillsResult

	entries, err := os.ReadDir(directory)
	if err != nil {
		return result
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() {
			continue
		}
		skill, warnings := loadSkillFromDir(filepath.Join(directory, entry.Name()))
		result.Warnings = append(result.Warnings, warnings...)
		if skill != nil {
			result.Skills = append(result.Skills, *skill)
		}
	}

	return result
}

// LoadSkills discovers skills under "<cwd>/.kon/skills/" and
// "<config>/skills/". Local (project) skills take
// precedence over global skills sharing the same name; the loser is
// recorded as a name-collision warning, not silently dropped.
func LoadSkills(cwd string) (LoadSkillsResult, error) {
	resolved, err := filepath.Abs(cwd)
	if err != nil {
		return LoadSkillsResult{}, err
	}

	skillMap := make(map[string]Skill)
	var order []string
	var warnings []SkillWarning

	add := func(res LoadSkillsResult) {
		warnings = append(warnings, res.Warnings...)
		for _, skill := range res.Skills {
			if existing, ok := skillMap[skill.Name]; ok {
				warnings = append(warnings, SkillWarning{
					SkillPath: skill.FilePath,
					Message:   `name collision: "` + skill.Name + `" already loaded from ` + existing.FilePath,
				})
				continue
			}
			skillMap[skill.Name] = skill
			order = append(order, skill.Name)
		}
	}

	add(loadSkillsFromDir(filepath.Join(resolved, ".kon", "skills")))

	if dir, err := config.DataDir(); err == nil {
		add(loadSkillsFromDir(filepath.Join(dir, "skills")))
	}

	skills := make([]Skill, 0, len(order))
	for _, name := range order {
		skills = append(skills, skillMap[name])
	}

	return LoadSkillsResult{Skills: skills, Warnings: warnings}, nil
}

// FormatSkills renders the discovered skills as the "<available_skills>"
// system-prompt block, or "" if none were found. Skill bodies are
// deliberately omitted; only name, description, and location are advertised.
func FormatSkills(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Skills\n\n")
	b.WriteString("The following skills provide specialized instructions for specific tasks.\n")
	b.WriteString("Use the read tool to load a skill's file when the task matches its description.\n\n")
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		b.WriteString("<skill>\n")
		b.WriteString("<name>" + escapeXML(s.Name) + "</name>\n")
		b.WriteString("<description>" + escapeXML(s.Description) + "</description>\n")
		b.WriteString("<location>" + escapeXML(s.FilePath) + "</location>\n")
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}
