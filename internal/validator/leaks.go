package validator

import (
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// leakScanner finds credentials with the gitleaks default rule set. The
// detector and its keyword prefilter are built once; DetectString keeps its
// findings local, so concurrent scans share it.
type leakScanner struct {
	detector *detect.Detector
}

func newLeakScanner() (*leakScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	return &leakScanner{detector: d}, nil
}

// scan returns the IDs of the rules that fired. Matched secrets are never
// returned so they cannot leak into issues or logs.
func (s *leakScanner) scan(content string) []string {
	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(findings))
	var rules []string
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	return rules
}
