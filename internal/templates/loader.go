package templates

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"schoolmsg/internal/domain"

	"gopkg.in/yaml.v3"
)

// pack is the on-disk layout of a local template file.
type pack struct {
	Category  string                   `yaml:"category"`
	Templates []domain.MessageTemplate `yaml:"templates"`
}

// LoadDirectory reads every .yaml/.yml file in dir as a template pack.
// A missing directory yields no templates. Unreadable files are skipped.
func LoadDirectory(dir string, logger *slog.Logger) ([]domain.MessageTemplate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("template directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	var out []domain.MessageTemplate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read template pack", "path", path, "err", err)
			continue
		}

		var p pack
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse template pack", "path", path, "err", err)
			continue
		}

		base := strings.TrimSuffix(name, filepath.Ext(name))
		for i, t := range p.Templates {
			if t.Template == "" {
				continue
			}
			if t.ID == "" {
				t.ID = fmt.Sprintf("%s-%d", base, i+1)
			}
			t.ID = "local:" + t.ID
			if t.Category == "" {
				t.Category = p.Category
			}
			if t.Title == "" {
				t.Title = t.ID
			}
			out = append(out, t)
		}
		logger.Debug("loaded template pack", "path", path, "count", len(p.Templates))
	}
	return out, nil
}
