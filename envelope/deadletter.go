package envelope

import (
	"encoding/json"
	"time"

	"github.com/c360studio/semflow/errs"
)

// DeadLetterAttempt is one failed attempt in a dead-letter record.
type DeadLetterAttempt struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
	DelayMS int64     `json:"delay_ms"`
}

// DeadLetter is written once when a message spends its retry budget or is
// rejected as invalid by its handler. Code tells the two apart.
type DeadLetter struct {
	ID             string              `json:"id"`
	Code           string              `json:"code"`
	Coordinator    string              `json:"coordinator"`
	Topic          string              `json:"topic"`
	MessageID      string              `json:"message_id"`
	WorkflowID     string              `json:"workflow_id,omitempty"`
	TraceID        string              `json:"trace_id,omitempty"`
	Original       json.RawMessage     `json:"original"`
	AttemptCount   int                 `json:"attempt_count"`
	Attempts       []DeadLetterAttempt `json:"attempts"`
	LastError      string              `json:"last_error"`
	DeadLetteredAt time.Time           `json:"dead_lettered_at"`
	Metadata       Metadata            `json:"metadata"`
}

// NewDeadLetter builds the record for original from the exhausted attempt history.
func NewDeadLetter(coordinator, topic string, original []byte, messageID, workflowID, traceID string, exhausted *errs.ExhaustedRetriesError) *DeadLetter {
	dl := &DeadLetter{
		ID:             NewMessageID(),
		Coordinator:    coordinator,
		Topic:          topic,
		MessageID:      messageID,
		WorkflowID:     workflowID,
		TraceID:        traceID,
		Original:       json.RawMessage(original),
		DeadLetteredAt: time.Now().UTC(),
		Metadata:       NewMetadata(coordinator),
	}
	if exhausted == nil {
		return dl
	}
	dl.Code = errs.CodeExhaustedRetries

	dl.AttemptCount = len(exhausted.Attempts)
	dl.Attempts = make([]DeadLetterAttempt, 0, len(exhausted.Attempts))
	for _, a := range exhausted.Attempts {
		msg := ""
		if a.Err != nil {
			msg = a.Err.Error()
		}
		dl.Attempts = append(dl.Attempts, DeadLetterAttempt{
			Attempt: a.Number,
			Error:   msg,
			At:      a.At,
			DelayMS: a.Delay.Milliseconds(),
		})
	}
	if last := exhausted.Last(); last != nil {
		dl.LastError = last.Error()
	}
	return dl
}

// NewRejection builds the record for a message its handler rejected
// without retry, such as a result that does not fit workflow state.
func NewRejection(coordinator, topic string, original []byte, messageID, workflowID, traceID string, attempts int, cause error) *DeadLetter {
	dl := NewDeadLetter(coordinator, topic, original, messageID, workflowID, traceID, nil)
	dl.Code = errs.Code(cause)
	dl.AttemptCount = attempts
	dl.Attempts = []DeadLetterAttempt{}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	return dl
}
