package domain

import "fmt"

type MutationType string

const (
	MutationToggleRead MutationType = "toggleRead"
	MutationStar       MutationType = "star"
	MutationLabel      MutationType = "label"
	MutationMove       MutationType = "move"
	MutationDelete     MutationType = "delete"
)

func (t MutationType) Valid() bool {
	switch t {
	case MutationToggleRead, MutationStar, MutationLabel, MutationMove, MutationDelete:
		return true
	}
	return false
}

type MutationStatus string

const (
	MutationPending MutationStatus = "pending"
	MutationFailed  MutationStatus = "failed"
)

// DesiredState is the end state a mutation drives its target towards.
// Only the fields relevant to the mutation type are set.
type DesiredState struct {
	Unread       *bool    `json:"unread,omitempty"`
	Starred      *bool    `json:"starred,omitempty"`
	AddLabels    []string `json:"add,omitempty"`
	RemoveLabels []string `json:"remove,omitempty"`
	Folder       string   `json:"folder,omitempty"`
	Deleted      bool     `json:"deleted,omitempty"`
}

// MutationEntry is a durable record of a local change that still has to be
// confirmed by the server.
type MutationEntry struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	AccountID    string         `json:"account_id"`
	Type         MutationType   `json:"type"`
	TargetID     string         `json:"targetId"`
	DesiredState DesiredState   `json:"desiredState"`
	CreatedAt    int64          `json:"createdAt"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	Status       MutationStatus `json:"status"`
}

// Key orders entries by insertion sequence.
func (e MutationEntry) Key() string {
	return fmt.Sprintf("%020d", e.Seq)
}

// Apply drives msg towards the desired state. It reports false when the
// mutation deletes the message.
func (e MutationEntry) Apply(msg *Message) bool {
	d := e.DesiredState
	switch e.Type {
	case MutationToggleRead:
		if d.Unread != nil {
			msg.SetUnread(*d.Unread)
			if *d.Unread {
				msg.RemoveFlag(FlagSeen)
			} else {
				msg.AddFlag(FlagSeen)
			}
		}
	case MutationStar:
		if d.Starred != nil {
			msg.IsStarred = *d.Starred
			if *d.Starred {
				msg.AddFlag(FlagFlagged)
			} else {
				msg.RemoveFlag(FlagFlagged)
			}
		}
	case MutationLabel:
		msg.AddLabels(d.AddLabels...)
		msg.RemoveLabels(d.RemoveLabels...)
	case MutationMove:
		if d.Folder != "" {
			msg.Folder = d.Folder
		}
	case MutationDelete:
		return false
	}
	return true
}

func (m *Message) AddFlag(flag string) {
	if !m.HasFlag(flag) {
		m.Flags = append(m.Flags, flag)
	}
}

func (m *Message) RemoveFlag(flag string) {
	kept := m.Flags[:0:0]
	for _, f := range m.Flags {
		if f != flag {
			kept = append(kept, f)
		}
	}
	m.Flags = kept
}
