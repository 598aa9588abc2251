package api

// Envelope зашифрованное изменение. Relay видит только маршрутные поля,
// Payload для него непрозрачен.
type Envelope struct {
	ChangeID string `json:"change_id"`
	DeviceID string `json:"device_id"`
	Payload  []byte `json:"payload"`
	Seq      int64  `json:"seq"`
	RelaySeq int64  `json:"relay_seq,omitempty"` // RelaySeq позиция в журнале relay, заполняется при выдаче
}

// Статусы подтверждения изменения
const (
	AckAccepted  = "accepted"
	AckDuplicate = "duplicate"
)

// Ack подтверждение приема изменения relay
type Ack struct {
	ChangeID string `json:"change_id"`
	Status   string `json:"status"`
}

// PushRequest отправка локальных изменений
type PushRequest struct {
	DeviceID    string     `json:"device_id"`
	CompanyID   string     `json:"company_id"`
	Changes     []Envelope `json:"changes"`
	SinceCursor int64      `json:"since_cursor"` // SinceCursor позиция для попутной выдачи изменений
}

// PushResponse подтверждения плюс изменения, которых у отправителя еще нет
type PushResponse struct {
	Acks      []Ack      `json:"acks"`
	Changes   []Envelope `json:"changes"`
	NewCursor int64      `json:"new_cursor"`
}

// PullRequest запрос изменений после курсора
type PullRequest struct {
	DeviceID    string `json:"device_id"`
	CompanyID   string `json:"company_id"`
	SinceCursor int64  `json:"since_cursor"`
	Limit       int    `json:"limit"`
}

// PullResponse пачка изменений в порядке relay
type PullResponse struct {
	// Acknowledgements для каждого устройства компании: сколько изменений
	// каждого источника оно уже получило. Основа для compaction.
	Acknowledgements map[string]map[string]int64 `json:"acknowledgements,omitempty"`
	Changes          []Envelope                  `json:"changes"`
	NewCursor        int64                       `json:"new_cursor"`
	HasMore          bool                        `json:"has_more"`
}
