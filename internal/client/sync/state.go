package sync

// State состояние сессии синхронизации
type State string

const (
	StateIdle         State = "idle"
	StatePushing      State = "pushing"
	StatePulling      State = "pulling"
	StateMerging      State = "merging"
	StateErrorBackoff State = "error_backoff"
	StateSuspended    State = "suspended"
)

// Active сообщает, идет ли сейчас обмен с relay
func (s State) Active() bool {
	switch s {
	case StatePushing, StatePulling, StateMerging, StateErrorBackoff:
		return true
	}
	return false
}

// Health здоровье синхронизации. Degraded не мешает локальной работе.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)

// Статусы, которые показывает приложение
const (
	UserStatusIdle             = "idle"
	UserStatusSyncing          = "syncing"
	UserStatusDegraded         = "degraded"
	UserStatusConflictsPending = "conflicts-pending"
)
