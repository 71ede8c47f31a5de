package policy

import (
	"os"
	"path/filepath"
	"strings"
)

// LoadRulesDir reads custom rule files (*.mg) from dir in name order.
// A missing directory just means no custom rules.
func LoadRulesDir(dir string) ([]RuleSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sources []RuleSource
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mg") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		sources = append(sources, RuleSource{Name: entry.Name(), Source: string(data)})
	}
	return sources, nil
}
