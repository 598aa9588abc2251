package crdt

import (
	"sync"
	"time"
)

// Clock гибридные часы устройства. Now возвращает unix ms, строго
// возрастающие на одном устройстве даже при скачках системного времени назад.
// Observe поднимает часы до увиденных удаленных меток, поэтому изменение,
// созданное после просмотра кандидатов конфликта, всегда новее их.
type Clock struct {
	wall     func() time.Time
	deviceID string
	last     int64
	mu       sync.Mutex
}

// NewClock создает часы устройства на системном времени.
func NewClock(deviceID string) *Clock {
	return NewClockWithSource(deviceID, time.Now)
}

// NewClockWithSource создает часы с заданным источником времени.
// Используется в тестах для детерминированных меток.
func NewClockWithSource(deviceID string, wall func() time.Time) *Clock {
	return &Clock{
		deviceID: deviceID,
		wall:     wall,
	}
}

// Now возвращает следующую метку: max(wall, last+1).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe учитывает метку, полученную от другого устройства.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

// Last возвращает последнюю выданную или увиденную метку.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// DeviceID возвращает идентификатор устройства.
func (c *Clock) DeviceID() string {
	return c.deviceID
}
