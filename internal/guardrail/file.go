package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Файловый источник правил для локального режима и CLI. Формат:
//
//	guardrails:
//	  - id: no-ssn
//	    org_id: acme
//	    name: SSN leak
//	    rule_type: regex
//	    action: block
//	    enabled: true
//	    condition: {pattern: '\d{3}-\d{2}-\d{4}', ignore_case: false}

type fileRule struct {
	domain.Guardrail `yaml:",inline"`
	Condition        map[string]any `yaml:"condition"`
}

type fileDoc struct {
	Guardrails []fileRule `yaml:"guardrails"`
}

// FileSource держит правила из YAML-файла и перечитывает его при изменении.
type FileSource struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	rules []domain.Guardrail

	onReload func() // Например, Cache.Invalidate(AllOrgs)
}

// NewFileSource читает файл. Любое невалидное правило отклоняет файл целиком.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	fs := &FileSource{path: path, logger: logger.Named("guardrail_file")}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// ParseFile разбирает и валидирует файл правил без побочных эффектов.
func ParseFile(path string) ([]domain.Guardrail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrails file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse guardrails file %s: %w", path, err)
	}

	rules := make([]domain.Guardrail, 0, len(doc.Guardrails))
	seen := make(map[string]struct{})
	for i, fr := range doc.Guardrails {
		g := fr.Guardrail
		if g.ID == "" {
			g.ID = fmt.Sprintf("%s#%d", filepath.Base(path), i+1)
		}
		if _, dup := seen[g.ID]; dup {
			return nil, fmt.Errorf("guardrail %s: duplicate id", g.ID)
		}
		seen[g.ID] = struct{}{}

		if fr.Condition != nil {
			raw, err := json.Marshal(fr.Condition)
			if err != nil {
				return nil, fmt.Errorf("guardrail %s: encode condition: %w", g.ID, err)
			}
			g.Condition = raw
		}
		if err := ValidateGuardrail(g); err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", g.ID, err)
		}
		rules = append(rules, g)
	}
	return rules, nil
}

// Reload перечитывает файл. При ошибке остаются прежние правила.
func (s *FileSource) Reload() error {
	rules, err := ParseFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = rules
	hook := s.onReload
	s.mu.Unlock()

	s.logger.Info("guardrails loaded", zap.String("path", s.path), zap.Int("count", len(rules)))
	if hook != nil {
		hook()
	}
	return nil
}

// OnReload задает хук после успешной перезагрузки.
func (s *FileSource) OnReload(fn func()) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// LoadGuardrails реализует Loader.
func (s *FileSource) LoadGuardrails(_ context.Context, orgID, agentID string) ([]domain.Guardrail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Guardrail
	for _, g := range s.rules {
		if orgID != "" && g.OrgID != orgID {
			continue
		}
		if g.AgentID != nil && agentID != "" && *g.AgentID != agentID {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Watch следит за файлом и перечитывает его с задержкой 500мс после последней записи.
// Следим за каталогом: редакторы часто заменяют файл через rename. Блокируется до отмены ctx.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := s.Reload(); err != nil {
						s.logger.Error("guardrails hot-reload failed, keeping previous rules", zap.Error(err))
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
