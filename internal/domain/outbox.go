package domain

type OutboxStatus string

const (
	OutboxQueued OutboxStatus = "queued"
	OutboxFailed OutboxStatus = "failed"
)

type OutgoingAttachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// OutgoingMessage is a message composed locally and waiting to be sent.
type OutgoingMessage struct {
	From        Address              `json:"from"`
	To          []Address            `json:"to"`
	CC          []Address            `json:"cc,omitempty"`
	BCC         []Address            `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	HTML        string               `json:"html,omitempty"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	DraftID     string               `json:"draft_id,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

type OutboxItem struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Message       OutgoingMessage `json:"message"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt int64           `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
}

// Due reports whether the item may be attempted at unix time now.
func (o OutboxItem) Due(now int64) bool {
	return o.Status == OutboxQueued && o.NextAttemptAt <= now
}
