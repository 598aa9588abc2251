package models

import (
	"slices"
	"time"
)

// Classification классификация конфликта
type Classification string

const (
	ClassAutoResolved      Classification = "auto-resolved"
	ClassNeedsFieldChoice  Classification = "needs-field-choice"
	ClassNeedsEntityChoice Classification = "needs-entity-choice"
)

// Severity упорядочивает классификации: чем больше, тем больше участия нужно от пользователя.
func (c Classification) Severity() int {
	switch c {
	case ClassNeedsEntityChoice:
		return 2
	case ClassNeedsFieldChoice:
		return 1
	}
	return 0
}

// ConflictStatus статус разрешения конфликта
type ConflictStatus string

const (
	StatusUnresolved            ConflictStatus = "unresolved"
	StatusResolvedAutomatically ConflictStatus = "resolved-automatically"
	StatusResolvedByUser        ConflictStatus = "resolved-by-user"
)

// ConflictReason причина, по которой конфликт был записан
type ConflictReason string

const (
	ReasonLWW             ConflictReason = "lww"
	ReasonHighSensitivity ConflictReason = "high-sensitivity"
	ReasonBalanced        ConflictReason = "balanced-override"
	ReasonMalformed       ConflictReason = "malformed-provenance"
)

// Side сторона конфликта
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Candidate конкурирующее значение поля
type Candidate struct {
	Side      Side   `json:"side"`
	Value     string `json:"value"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
	Seq       int64  `json:"seq"`
	Winner    bool   `json:"winner"` // Winner значение, выбранное автоматически (или сохраненное)
}

// ConflictRecord результат работы детектора конфликтов.
// Ссылается на изменения только по ID.
type ConflictRecord struct {
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	ResolvedAt          *time.Time             `json:"resolved_at,omitempty"`
	Candidates          map[string][]Candidate `json:"candidates"`
	Resolutions         map[string]string      `json:"resolutions,omitempty"`
	ID                  string                 `json:"id"`
	CompanyID           string                 `json:"company_id"`
	EntityID            string                 `json:"entity_id"`
	EntityType          string                 `json:"entity_type"`
	Classification      Classification         `json:"classification"`
	Status              ConflictStatus         `json:"status"`
	Reason              ConflictReason         `json:"reason"`
	Fields              []string               `json:"fields"`
	ChangeIDs           []string               `json:"change_ids,omitempty"`
	ResolutionChangeIDs []string               `json:"resolution_change_ids,omitempty"`
	Deferred            bool                   `json:"deferred"`
}

// IsOpen сообщает, ожидает ли конфликт решения пользователя.
func (c *ConflictRecord) IsOpen() bool {
	return c.Status == StatusUnresolved
}

// Contends проверяет, находится ли поле в конфликте.
func (c *ConflictRecord) Contends(field string) bool {
	return slices.Contains(c.Fields, field)
}

// Candidate возвращает кандидата указанной стороны для поля.
func (c *ConflictRecord) Candidate(field string, side Side) (Candidate, bool) {
	for _, cand := range c.Candidates[field] {
		if cand.Side == side {
			return cand, true
		}
	}
	return Candidate{}, false
}

// Unresolved возвращает поля, для которых еще нет решения.
func (c *ConflictRecord) Unresolved() []string {
	var out []string
	for _, f := range c.Fields {
		if _, ok := c.Resolutions[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}
