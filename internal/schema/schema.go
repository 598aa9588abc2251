// Package schema хранит реестр правил для типов сущностей: обязательные поля,
// поля повышенной чувствительности, группы взаимозависимых полей и
// сбалансированные записи (суммы строк которых должны сходиться).
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// ErrInvalidSchema возвращается при ошибке в описании схемы
var ErrInvalidSchema = errors.New("invalid schema")

// Document корневой YAML документ
type Document struct {
	Types map[string]TypeSpec `yaml:"types"`
}

// TypeSpec описание одного типа сущности
type TypeSpec struct {
	Balanced  *BalancedSpec `yaml:"balanced"`
	Required  []string      `yaml:"required"`
	Sensitive []Rule        `yaml:"sensitive"`
	Groups    [][]string    `yaml:"groups"`
}

// Rule правило чувствительности. Field может быть glob шаблоном (path.Match).
type Rule struct {
	When  *Condition `yaml:"when"`
	Field string     `yaml:"field"`
}

// Condition условие на значение поля сущности
type Condition struct {
	Field  string `yaml:"field"`
	Equals string `yaml:"equals"`
}

// BalancedSpec поля сбалансированной записи и требуемая сумма
type BalancedSpec struct {
	Total  string   `yaml:"total"`
	Fields []string `yaml:"fields"`
}

// Type скомпилированные правила одного типа
type Type struct {
	total decimal.Decimal
	spec  TypeSpec
	Name  string
}

// Registry реестр типов. Безопасен для конкурентного чтения.
type Registry struct {
	types map[string]*Type
}

// Builtin возвращает реестр со встроенными типами.
func Builtin() *Registry {
	r, err := Load(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("builtin schema: %v", err))
	}
	return r
}

// LoadFile читает реестр из YAML файла.
func LoadFile(filename string) (*Registry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Load(data)
}

// Load разбирает YAML и компилирует правила.
func Load(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return New(doc)
}

// New компилирует документ в реестр, проверяя шаблоны и суммы.
func New(doc Document) (*Registry, error) {
	r := &Registry{types: make(map[string]*Type, len(doc.Types))}
	for name, spec := range doc.Types {
		t := &Type{Name: name, spec: spec}
		if spec.Balanced != nil {
			if len(spec.Balanced.Fields) == 0 {
				return nil, fmt.Errorf("%w: type %q: balanced record without fields", ErrInvalidSchema, name)
			}
			for _, p := range spec.Balanced.Fields {
				if _, err := path.Match(p, ""); err != nil {
					return nil, fmt.Errorf("%w: type %q: bad pattern %q", ErrInvalidSchema, name, p)
				}
			}
			total := decimal.Zero
			if spec.Balanced.Total != "" {
				d, err := decimal.NewFromString(spec.Balanced.Total)
				if err != nil {
					return nil, fmt.Errorf("%w: type %q: bad total %q", ErrInvalidSchema, name, spec.Balanced.Total)
				}
				total = d
			}
			t.total = total
		}
		for _, rule := range spec.Sensitive {
			if rule.Field == "" {
				return nil, fmt.Errorf("%w: type %q: sensitive rule without field", ErrInvalidSchema, name)
			}
			if _, err := path.Match(rule.Field, ""); err != nil {
				return nil, fmt.Errorf("%w: type %q: bad pattern %q", ErrInvalidSchema, name, rule.Field)
			}
		}
		r.types[name] = t
	}
	return r, nil
}

// Lookup возвращает правила типа. Для неизвестного типа возвращается
// тип без правил: все поля сливаются по LWW.
func (r *Registry) Lookup(name string) *Type {
	if t, ok := r.types[name]; ok {
		return t
	}
	return &Type{Name: name}
}

// Known сообщает, зарегистрирован ли тип.
func (r *Registry) Known(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsBalanced сообщает, является ли тип сбалансированной записью.
func (t *Type) IsBalanced() bool {
	return t.spec.Balanced != nil
}

// IsBalancedField проверяет, участвует ли поле в балансе.
func (t *Type) IsBalancedField(field string) bool {
	if t.spec.Balanced == nil {
		return false
	}
	return matchAny(t.spec.Balanced.Fields, field)
}

// IsSensitive проверяет, является ли поле чувствительным хотя бы в одном
// из переданных состояний сущности.
func (t *Type) IsSensitive(field string, states ...map[string]string) bool {
	for _, rule := range t.spec.Sensitive {
		ok, _ := path.Match(rule.Field, field)
		if !ok {
			continue
		}
		if rule.When == nil {
			return true
		}
		for _, st := range states {
			if st[rule.When.Field] == rule.When.Equals {
				return true
			}
		}
	}
	return false
}

// Interdependent сообщает, есть ли среди полей хотя бы два из одной группы.
func (t *Type) Interdependent(fields []string) bool {
	for _, group := range t.spec.Groups {
		n := 0
		for _, f := range fields {
			if slices.Contains(group, f) {
				n++
			}
		}
		if n >= 2 {
			return true
		}
	}
	return false
}

// Missing возвращает обязательные поля, отсутствующие или пустые в values.
func (t *Type) Missing(values map[string]string) []string {
	var out []string
	for _, f := range t.spec.Required {
		if values[f] == "" {
			out = append(out, f)
		}
	}
	return out
}

// Imbalance возвращает отклонение суммы балансовых полей от требуемого итога.
// Ноль означает, что запись сбалансирована.
func (t *Type) Imbalance(values map[string]string) (decimal.Decimal, error) {
	if t.spec.Balanced == nil {
		return decimal.Zero, nil
	}
	sum := decimal.Zero
	for name, v := range values {
		if !matchAny(t.spec.Balanced.Fields, name) || v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %s: invalid amount %q: %w", name, v, err)
		}
		sum = sum.Add(d)
	}
	return sum.Sub(t.total), nil
}

func matchAny(patterns []string, field string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, field); ok {
			return true
		}
	}
	return false
}
