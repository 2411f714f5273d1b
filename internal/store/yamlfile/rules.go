// Package yamlfile is a file-backed rule repository for running without
// Postgres. The whole rule set lives in one YAML document that is rewritten
// atomically on every change.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

type document struct {
	PriceRules     []domain.PriceRule     `yaml:"price_rules"`
	ConditionRules []domain.ConditionRule `yaml:"condition_rules"`
}

// RuleStore implements domain.RuleRepository on a YAML file. A missing
// file reads as an empty rule set.
type RuleStore struct {
	path string
	mu   sync.Mutex
}

func NewRuleStore(path string) *RuleStore {
	return &RuleStore{path: path}
}

func (s *RuleStore) load() (document, error) {
	var doc document
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("yamlfile: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("yamlfile: decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *RuleStore) save(doc document) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("yamlfile: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("yamlfile: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("yamlfile: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("yamlfile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("yamlfile: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("yamlfile: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *RuleStore) ListPriceRules(_ context.Context) ([]domain.PriceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	return doc.PriceRules, err
}

func (s *RuleStore) ListConditionRules(_ context.Context) ([]domain.ConditionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	return doc.ConditionRules, err
}

func (s *RuleStore) SavePriceRule(_ context.Context, rule domain.PriceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.PriceRules = upsert(doc.PriceRules, rule, func(r domain.PriceRule) string { return r.ID })
	return s.save(doc)
}

func (s *RuleStore) SaveConditionRule(_ context.Context, rule domain.ConditionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.ConditionRules = upsert(doc.ConditionRules, rule, func(r domain.ConditionRule) string { return r.ID })
	return s.save(doc)
}

// MarkTriggered updates a stored rule in place. It returns domain.ErrNotFound
// without writing when the rule is gone.
func (s *RuleStore) MarkTriggered(_ context.Context, kind domain.RuleKind, id string, triggeredAt time.Time, lastObservedPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}

	ts := triggeredAt
	found := false
	switch kind {
	case domain.RuleKindPrice:
		for i := range doc.PriceRules {
			if doc.PriceRules[i].ID == id {
				doc.PriceRules[i].State = domain.RuleStateTriggered
				doc.PriceRules[i].TriggeredAt = &ts
				doc.PriceRules[i].LastObservedPrice = lastObservedPrice
				found = true
				break
			}
		}
	case domain.RuleKindCondition:
		for i := range doc.ConditionRules {
			if doc.ConditionRules[i].ID == id {
				doc.ConditionRules[i].State = domain.RuleStateTriggered
				doc.ConditionRules[i].TriggeredAt = &ts
				found = true
				break
			}
		}
	}
	if !found {
		return fmt.Errorf("yamlfile: mark %s rule %s triggered: %w", kind, id, domain.ErrNotFound)
	}
	return s.save(doc)
}

// DeleteRule returns domain.ErrNotFound when no rule of kind has id.
func (s *RuleStore) DeleteRule(_ context.Context, kind domain.RuleKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}

	var removed bool
	switch kind {
	case domain.RuleKindPrice:
		doc.PriceRules, removed = remove(doc.PriceRules, id, func(r domain.PriceRule) string { return r.ID })
	case domain.RuleKindCondition:
		doc.ConditionRules, removed = remove(doc.ConditionRules, id, func(r domain.ConditionRule) string { return r.ID })
	}
	if !removed {
		return fmt.Errorf("yamlfile: delete %s rule %s: %w", kind, id, domain.ErrNotFound)
	}
	return s.save(doc)
}

func upsert[T any](list []T, item T, id func(T) string) []T {
	for i := range list {
		if id(list[i]) == id(item) {
			list[i] = item
			return list
		}
	}
	return append(list, item)
}

func remove[T any](list []T, target string, id func(T) string) ([]T, bool) {
	for i := range list {
		if id(list[i]) == target {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

var _ domain.RuleRepository = (*RuleStore)(nil)
