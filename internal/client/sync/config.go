package sync

import "time"

// DefaultEndpoint ключ курсора и отметки push для единственного relay
const DefaultEndpoint = "relay"

// Config настройки сессии синхронизации
type Config struct {
	Endpoint        string
	BatchSize       int           // BatchSize изменений в одном push
	PullLimit       int           // PullLimit изменений в одном ответе pull
	AttemptTimeout  time.Duration // AttemptTimeout таймаут одной попытки обмена
	MaxRetries      uint64        // MaxRetries повторов после первой попытки
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32        // BreakerFailures подряд неудачных циклов до размыкания
	BreakerTimeout  time.Duration // BreakerTimeout время в разомкнутом состоянии
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		Endpoint:        DefaultEndpoint,
		BatchSize:       10,
		PullLimit:       100,
		AttemptTimeout:  15 * time.Second,
		MaxRetries:      5,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
}

// withDefaults заполняет нулевые значения
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PullLimit <= 0 {
		c.PullLimit = d.PullLimit
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	return c
}
