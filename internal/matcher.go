package internal

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"ImageGuard/internal/sentry"

	"github.com/sirupsen/logrus"
)

// LoadPatterns reads extra content rules, one per line:
//
//	foo
//	plain:i:bar
//	re:(?i)<svg\b
//
// Blank lines and lines starting with # are skipped.
func LoadPatterns(path string) ([]sentry.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []sentry.Rule
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "re:"):
			r, err := sentry.NewRegexRule(line[3:])
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		case strings.HasPrefix(line, "plain:i:"):
			rules = append(rules, sentry.NewPlainRule(line[8:], true))
		default:
			rules = append(rules, sentry.NewPlainRule(line, false))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	logrus.Debugf("Loaded %d patterns", len(rules))
	return rules, nil
}
