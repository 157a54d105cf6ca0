// Package profile holds the fixed candidate profile the fit analysis is run
// against.
package profile

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Level is a self-assessed proficiency.
type Level string

const (
	LevelExpert     Level = "expert"
	LevelProficient Level = "proficient"
	LevelFamiliar   Level = "familiar"
)

// Confidence maps a level to the match confidence used by skill matching.
func (l Level) Confidence() float64 {
	switch l {
	case LevelExpert:
		return 1.0
	case LevelProficient:
		return 0.8
	case LevelFamiliar:
		return 0.5
	default:
		return 0.6
	}
}

// Skill is one capability with the terms that refer to it.
type Skill struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Level   Level    `yaml:"level"`
	Years   int      `yaml:"years"`
}

// Role is a past position.
type Role struct {
	Company    string   `yaml:"company"`
	Title      string   `yaml:"title"`
	Years      int      `yaml:"years"`
	Highlights []string `yaml:"highlights"`
}

// Preferences are soft constraints on employers.
type Preferences struct {
	Remote    bool     `yaml:"remote"`
	Locations []string `yaml:"locations"`
	Avoid     []string `yaml:"avoid"`
}

// Profile is the candidate.
type Profile struct {
	Name            string      `yaml:"name"`
	Headline        string      `yaml:"headline"`
	Summary         string      `yaml:"summary"`
	YearsExperience int         `yaml:"years_experience"`
	Skills          []Skill     `yaml:"skills"`
	Domains         []string    `yaml:"domains"`
	Experience      []Role      `yaml:"experience"`
	Preferences     Preferences `yaml:"preferences"`

	vocab map[string]int // normalized term -> index into Skills
}

// Default returns the embedded profile.
func Default() *Profile {
	p, err := Parse(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("profile: embedded default is invalid: %v", err))
	}
	return p
}

// Load reads a profile from path, or returns the embedded default when
// path is empty.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: read %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: load %s", path)
	}
	return p, nil
}

// Parse decodes a profile document with a top-level "profile" key.
func Parse(data []byte) (*Profile, error) {
	var wrapper struct {
		Profile Profile `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "profile: parse yaml")
	}
	p := &wrapper.Profile
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.index()
	return p, nil
}

func (p *Profile) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return eris.New("profile: name is required")
	}
	if len(p.Skills) == 0 {
		return eris.New("profile: at least one skill is required")
	}
	seen := map[string]bool{}
	for _, s := range p.Skills {
		key := Normalize(s.Name)
		if key == "" {
			return eris.New("profile: skill with empty name")
		}
		if seen[key] {
			return eris.Errorf("profile: duplicate skill %q", s.Name)
		}
		seen[key] = true
	}
	return nil
}

func (p *Profile) index() {
	p.vocab = make(map[string]int)
	for i, s := range p.Skills {
		p.vocab[Normalize(s.Name)] = i
		for _, a := range s.Aliases {
			if k := Normalize(a); k != "" {
				if _, taken := p.vocab[k]; !taken {
					p.vocab[k] = i
				}
			}
		}
	}
}

// Normalize lowercases a term and collapses whitespace and punctuation
// that commonly varies between postings ("Node.js" vs "nodejs" is left alone).
func Normalize(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.Trim(term, ".,;:()[]\"'")
	return strings.Join(strings.Fields(term), " ")
}

// FindSkill resolves a term or alias to a profile skill.
func (p *Profile) FindSkill(term string) (Skill, bool) {
	if p.vocab == nil {
		p.index()
	}
	i, ok := p.vocab[Normalize(term)]
	if !ok {
		return Skill{}, false
	}
	return p.Skills[i], true
}

// HasCapability reports whether term names a skill in the profile.
func (p *Profile) HasCapability(term string) bool {
	_, ok := p.FindSkill(term)
	return ok
}

// Terms returns every skill name and alias, normalized and sorted longest
// first so multi-word terms match before their parts.
func (p *Profile) Terms() []string {
	if p.vocab == nil {
		p.index()
	}
	terms := make([]string, 0, len(p.vocab))
	for k := range p.vocab {
		terms = append(terms, k)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	return terms
}

// SkillNames lists canonical skill names in profile order.
func (p *Profile) SkillNames() []string {
	out := make([]string, len(p.Skills))
	for i, s := range p.Skills {
		out[i] = s.Name
	}
	return out
}

// PromptSummary renders the profile compactly for inclusion in prompts.
func (p *Profile) PromptSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate: %s (%s), %d years experience.\n", p.Name, p.Headline, p.YearsExperience)
	if p.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	}
	b.WriteString("Skills:")
	for _, s := range p.Skills {
		fmt.Fprintf(&b, " %s (%s, %dy);", s.Name, s.Level, s.Years)
	}
	b.WriteString("\n")
	if len(p.Domains) > 0 {
		fmt.Fprintf(&b, "Domains: %s\n", strings.Join(p.Domains, ", "))
	}
	for _, r := range p.Experience {
		fmt.Fprintf(&b, "- %s at %s (%dy): %s\n", r.Title, r.Company, r.Years, strings.Join(r.Highlights, "; "))
	}
	if pr := p.Preferences; pr.Remote || len(pr.Locations) > 0 || len(pr.Avoid) > 0 {
		fmt.Fprintf(&b, "Preferences: remote=%t locations=%s avoid=%s\n",
			pr.Remote, strings.Join(pr.Locations, "/"), strings.Join(pr.Avoid, "/"))
	}
	return b.String()
}
