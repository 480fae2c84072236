package validator

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidRules is returned when a rules file cannot be parsed or holds a
// bad pattern.
var ErrInvalidRules = errors.New("invalid content rules")

// Rules are the content-policy pattern families. Patterns are Go regular
// expressions; word lists are matched case-insensitively on word boundaries.
type Rules struct {
	Spam        []string   `toml:"spam"`
	Harmful     []string   `toml:"harmful"`
	Credentials []string   `toml:"credentials"`
	Actionable  []string   `toml:"actionable"`
	Numeric     []string   `toml:"numeric"`
	Hedging     []string   `toml:"hedging"`
	Opposites   [][]string `toml:"opposites"`
}

// DefaultRules returns the built-in policy.
func DefaultRules() Rules {
	return Rules{
		Spam: []string{
			`(?i)\b(buy now|click here|act now|limited time offer|free money|get rich quick|risk[- ]free profits?|guaranteed (returns|profits?))\b`,
			`(?i)\bmake \$?\d+[k]? (a|per) (day|week)\b`,
			`(?i)\b(dm me|join my (telegram|discord|whatsapp)|subscribe to my (channel|newsletter))\b`,
			`[!?]{4,}`,
			`(?:https?://\S+\s+){3,}https?://\S+`,
		},
		Harmful: []string{
			`(?i)\b(pump[- ]and[- ]dump|wash trad(e|es|ing)|spoofing orders|front[- ]running)\b`,
			`(?i)\b(money laundering|launder(ing)? (the )?money|ponzi scheme|pyramid scheme)\b`,
			`(?i)\b(stolen (credit cards?|credentials|accounts?)|carding|phishing kit|counterfeit (notes|currency))\b`,
			`(?i)\b(bypass|evade|avoid) (kyc|aml|sanctions)\b`,
		},
		Credentials: []string{
			`(?i)\b(password|passwd|api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*\S{6,}`,
			`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
		},
		Actionable: []string{
			`(?i)\b(use|set|apply|place|enter|exit|avoid|consider|check|confirm|wait for|look for|step \d+)\b`,
		},
		Numeric: []string{
			`\d+(?:[.,]\d+)?\s*%?`,
		},
		Hedging: []string{
			`(?i)\b(maybe|perhaps|possibly|probably|might|i think|i guess|not sure|could be|seems like)\b`,
		},
		Opposites: [][]string{
			{"increase", "decrease"},
			{"increases", "decreases"},
			{"rise", "fall"},
			{"rises", "falls"},
			{"buy", "sell"},
			{"bullish", "bearish"},
			{"long", "short"},
			{"always", "never"},
			{"above", "below"},
			{"higher", "lower"},
			{"effective", "ineffective"},
			{"reliable", "unreliable"},
			{"recommended", "discouraged"},
			{"true", "false"},
		},
	}
}

// LoadRules reads a TOML rules file and appends its entries to the defaults.
// A missing file is an error; an empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	if _, err := os.Stat(path); err != nil {
		return Rules{}, err
	}

	var extra Rules
	if _, err := toml.DecodeFile(path, &extra); err != nil {
		return Rules{}, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}

	rules.Spam = append(rules.Spam, extra.Spam...)
	rules.Harmful = append(rules.Harmful, extra.Harmful...)
	rules.Credentials = append(rules.Credentials, extra.Credentials...)
	rules.Actionable = append(rules.Actionable, extra.Actionable...)
	rules.Numeric = append(rules.Numeric, extra.Numeric...)
	rules.Hedging = append(rules.Hedging, extra.Hedging...)
	rules.Opposites = append(rules.Opposites, extra.Opposites...)

	if _, err := rules.compile(); err != nil {
		return Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

type opposite struct {
	a, b string
}

type compiledRules struct {
	spam        []*regexp.Regexp
	harmful     []*regexp.Regexp
	credentials []*regexp.Regexp
	actionable  []*regexp.Regexp
	numeric     []*regexp.Regexp
	hedging     []*regexp.Regexp
	opposites   []opposite
}

func (r Rules) compile() (*compiledRules, error) {
	c := &compiledRules{}
	families := []struct {
		name string
		src  []string
		dst  *[]*regexp.Regexp
	}{
		{"spam", r.Spam, &c.spam},
		{"harmful", r.Harmful, &c.harmful},
		{"credentials", r.Credentials, &c.credentials},
		{"actionable", r.Actionable, &c.actionable},
		{"numeric", r.Numeric, &c.numeric},
		{"hedging", r.Hedging, &c.hedging},
	}
	for _, f := range families {
		for _, p := range f.src {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s pattern %q: %v", ErrInvalidRules, f.name, p, err)
			}
			*f.dst = append(*f.dst, re)
		}
	}

	for _, pair := range r.Opposites {
		if len(pair) != 2 || strings.TrimSpace(pair[0]) == "" || strings.TrimSpace(pair[1]) == "" {
			return nil, fmt.Errorf("%w: opposites entry %v must hold two words", ErrInvalidRules, pair)
		}
		c.opposites = append(c.opposites, opposite{
			a: strings.ToLower(strings.TrimSpace(pair[0])),
			b: strings.ToLower(strings.TrimSpace(pair[1])),
		})
	}
	return c, nil
}

// matchAny returns the first pattern in family that matches text.
func matchAny(family []*regexp.Regexp, text string) (*regexp.Regexp, bool) {
	for _, re := range family {
		if re.MatchString(text) {
			return re, true
		}
	}
	return nil, false
}
