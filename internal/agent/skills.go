package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// skillMeta is the YAML front-matter of a SKILL.md file.
type skillMeta struct {
	Description string `yaml:"description"`
	Always      bool   `yaml:"always"`
	Requires    struct {
		Bins []string `yaml:"bins"`
		Env  []string `yaml:"env"`
	} `yaml:"requires"`
}

// SkillInfo describes one discovered skill.
type SkillInfo struct {
	Name string
	Path string
}

// SkillsLoader scans the workspace skills directory and renders skill
// content for the system prompt.
type SkillsLoader struct {
	skillsDir string
}

// NewSkillsLoader creates a SkillsLoader over workspace/skills.
func NewSkillsLoader(workspace string) *SkillsLoader {
	return &SkillsLoader{skillsDir: filepath.Join(workspace, "skills")}
}

// ListSkills returns all discovered skills. If filterUnavailable is true,
// skills with unmet requirements are excluded.
func (sl *SkillsLoader) ListSkills(filterUnavailable bool) []SkillInfo {
	var skills []SkillInfo
	entries, err := os.ReadDir(sl.skillsDir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(sl.skillsDir, e.Name(), "SKILL.md")
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if filterUnavailable && !checkRequirements(sl.frontmatter(e.Name())) {
			continue
		}
		skills = append(skills, SkillInfo{Name: e.Name(), Path: p})
	}
	return skills
}

// LoadSkill returns the raw content of a skill's SKILL.md, or "".
func (sl *SkillsLoader) LoadSkill(name string) string {
	data, err := os.ReadFile(filepath.Join(sl.skillsDir, name, "SKILL.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// LoadSkillsForContext renders the named skills for the system prompt,
// front-matter stripped.
func (sl *SkillsLoader) LoadSkillsForContext(names []string) string {
	var parts []string
	for _, name := range names {
		content := sl.LoadSkill(name)
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", name, stripFrontmatter(content)))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// BuildSkillsSummary returns an XML summary of all skills so the model can
// load them progressively with read_file.
func (sl *SkillsLoader) BuildSkillsSummary() string {
	all := sl.ListSkills(false)
	if len(all) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, s := range all {
		m := sl.frontmatter(s.Name)
		available := checkRequirements(m)
		desc := m.Description
		if desc == "" {
			desc = s.Name
		}

		fmt.Fprintf(&sb, "  <skill available=%q>\n", fmt.Sprintf("%v", available))
		fmt.Fprintf(&sb, "    <name>%s</name>\n", xmlEscape(s.Name))
		fmt.Fprintf(&sb, "    <description>%s</description>\n", xmlEscape(desc))
		fmt.Fprintf(&sb, "    <location>%s</location>\n", s.Path)
		if !available {
			if missing := missingRequirements(m); missing != "" {
				fmt.Fprintf(&sb, "    <requires>%s</requires>\n", xmlEscape(missing))
			}
		}
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</skills>")
	return sb.String()
}

// AlwaysSkills returns names of skills marked always: true whose
// requirements are met.
func (sl *SkillsLoader) AlwaysSkills() []string {
	var result []string
	for _, s := range sl.ListSkills(true) {
		if sl.frontmatter(s.Name).Always {
			result = append(result, s.Name)
		}
	}
	return result
}

func (sl *SkillsLoader) frontmatter(name string) skillMeta {
	content := sl.LoadSkill(name)
	if content == "" || !strings.HasPrefix(content, "---") {
		return skillMeta{}
	}
	rest := content[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return skillMeta{}
	}
	var m skillMeta
	_ = yaml.Unmarshal([]byte(rest[:end]), &m)
	return m
}

func checkRequirements(m skillMeta) bool {
	for _, bin := range m.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, env := range m.Requires.Env {
		if os.Getenv(env) == "" {
			return false
		}
	}
	return true
}

func missingRequirements(m skillMeta) string {
	var missing []string
	for _, bin := range m.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "CLI: "+bin)
		}
	}
	for _, env := range m.Requires.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "ENV: "+env)
		}
	}
	return strings.Join(missing, ", ")
}

// stripFrontmatter removes the leading --- ... --- YAML block from markdown.
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	rest := content[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content
	}
	return strings.TrimSpace(rest[end+4:])
}

// xmlEscape escapes &, <, > for XML attribute/text use.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
