package generate

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/trendpipe/internal/models"
)

// PlatformConstraint is the per-platform generation envelope: length
// bounds, style directive and hard content rules.
type PlatformConstraint struct {
	TitleMin   int      `yaml:"title_min"`
	TitleMax   int      `yaml:"title_max"`
	BodyMin    int      `yaml:"body_min"`
	BodyMax    int      `yaml:"body_max"`
	HashtagMax int      `yaml:"hashtag_max"`
	Style      string   `yaml:"style"`
	Rules      []string `yaml:"rules"`
}

// ConstraintProfile holds the platform constraint table plus the global
// banned word list. Loaded from YAML; falls back to built-in defaults.
type ConstraintProfile struct {
	Platforms   map[string]PlatformConstraint `yaml:"platforms"`
	BannedWords []string                      `yaml:"banned_words"`
}

// DefaultConstraintProfile returns the built-in platform envelopes used
// when no profile file is configured.
func DefaultConstraintProfile() *ConstraintProfile {
	return &ConstraintProfile{
		Platforms: map[string]PlatformConstraint{
			"wechat": {
				TitleMin: 10, TitleMax: 64, BodyMin: 300, BodyMax: 3000, HashtagMax: 0,
				Style: "long-form article with section structure",
				Rules: []string{"no clickbait markers", "no external links in body"},
			},
			"weibo": {
				TitleMin: 4, TitleMax: 30, BodyMin: 50, BodyMax: 2000, HashtagMax: 5,
				Style: "punchy short post",
				Rules: []string{"hashtags inline"},
			},
			"xiaohongshu": {
				TitleMin: 6, TitleMax: 20, BodyMin: 100, BodyMax: 1000, HashtagMax: 10,
				Style: "casual first-person note",
				Rules: []string{"emoji allowed", "no hard selling"},
			},
			"douyin": {
				TitleMin: 4, TitleMax: 55, BodyMin: 30, BodyMax: 300, HashtagMax: 5,
				Style: "video caption, hook first",
				Rules: []string{"first sentence must hook"},
			},
		},
		BannedWords: []string{},
	}
}

// LoadConstraintProfile reads a YAML profile, layering it over the
// defaults so a partial file only overrides what it names.
func LoadConstraintProfile(path string) (*ConstraintProfile, error) {
	profile := DefaultConstraintProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return nil, fmt.Errorf("failed to read constraint profile %s: %w", path, err)
	}

	var loaded ConstraintProfile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse constraint profile %s: %w", path, err)
	}

	for platform, c := range loaded.Platforms {
		profile.Platforms[platform] = c
	}
	if len(loaded.BannedWords) > 0 {
		profile.BannedWords = loaded.BannedWords
	}
	return profile, nil
}

// For returns the constraint for a platform, or a permissive default for
// platforms without an entry.
func (p *ConstraintProfile) For(platform string) PlatformConstraint {
	if c, ok := p.Platforms[platform]; ok {
		return c
	}
	return PlatformConstraint{TitleMin: 1, TitleMax: 300, BodyMin: 1, BodyMax: 5000, HashtagMax: 10}
}

// Violations checks a draft against its platform envelope and the banned
// word list. The returned issues feed the self-repair prompt; bannedHits
// are reported separately because they zero the compliance score.
func (p *ConstraintProfile) Violations(draft *models.ContentDraft) (issues []string, bannedHits []string) {
	c := p.For(draft.TargetPlatform)

	titleLen := utf8.RuneCountInString(draft.Title)
	bodyLen := utf8.RuneCountInString(draft.Body)

	if titleLen < c.TitleMin {
		issues = append(issues, fmt.Sprintf("title too short: %d chars, minimum %d", titleLen, c.TitleMin))
	}
	if c.TitleMax > 0 && titleLen > c.TitleMax {
		issues = append(issues, fmt.Sprintf("title too long: %d chars, maximum %d", titleLen, c.TitleMax))
	}
	if bodyLen < c.BodyMin {
		issues = append(issues, fmt.Sprintf("body too short: %d chars, minimum %d", bodyLen, c.BodyMin))
	}
	if c.BodyMax > 0 && bodyLen > c.BodyMax {
		issues = append(issues, fmt.Sprintf("body too long: %d chars, maximum %d", bodyLen, c.BodyMax))
	}
	if c.HashtagMax >= 0 && len(draft.Hashtags) > c.HashtagMax {
		issues = append(issues, fmt.Sprintf("too many hashtags: %d, maximum %d", len(draft.Hashtags), c.HashtagMax))
	}

	lowered := strings.ToLower(draft.Title + " " + draft.Body)
	for _, word := range p.BannedWords {
		if word == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(word)) {
			bannedHits = append(bannedHits, word)
		}
	}
	if len(bannedHits) > 0 {
		issues = append(issues, fmt.Sprintf("banned words present: %s", strings.Join(bannedHits, ", ")))
	}
	return issues, bannedHits
}

// PromptBlock renders the constraint as prompt instructions.
func (c PlatformConstraint) PromptBlock(platform string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target platform: %s\n", platform)
	fmt.Fprintf(&b, "Style: %s\n", c.Style)
	fmt.Fprintf(&b, "Title length: %d-%d characters\n", c.TitleMin, c.TitleMax)
	fmt.Fprintf(&b, "Body length: %d-%d characters\n", c.BodyMin, c.BodyMax)
	if c.HashtagMax > 0 {
		fmt.Fprintf(&b, "At most %d hashtags\n", c.HashtagMax)
	} else {
		b.WriteString("No hashtags\n")
	}
	for _, rule := range c.Rules {
		fmt.Fprintf(&b, "Rule: %s\n", rule)
	}
	return b.String()
}
