// Package device описывает контекст устройства, передаваемый во все
// операции ядра синхронизации вместо глобального состояния.
package device

import "github.com/iudanet/ledgerkeeper/internal/crdt"

// Context идентичность устройства в рамках компании и его часы.
// Несколько контекстов могут жить в одном процессе (например, в тестах).
type Context struct {
	Clock     *crdt.Clock
	CompanyID string
	DeviceID  string
}

// New создает контекст с часами на системном времени.
func New(companyID, deviceID string) *Context {
	return NewWithClock(companyID, crdt.NewClock(deviceID))
}

// NewWithClock создает контекст с заданными часами.
func NewWithClock(companyID string, clock *crdt.Clock) *Context {
	return &Context{
		Clock:     clock,
		CompanyID: companyID,
		DeviceID:  clock.DeviceID(),
	}
}
