package stream

import (
	"encoding/json"
	"time"

	"github.com/itohio/gofdm/pkg/acquire"
	"github.com/itohio/gofdm/pkg/sample"
	"github.com/itohio/gofdm/pkg/session"
)

// Message types sent to clients.
const (
	TypeWelcome = "welcome" // First message, carries the client ID
	TypeHistory = "history" // Display window of everything streamed so far
	TypeSamples = "samples" // Rows appended since the previous message
	TypeReset   = "reset"   // Sample history was cleared
	TypeStatus  = "status"  // Session state change
)

// Message is the envelope of every websocket message.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Welcome identifies the connection.
type Welcome struct {
	ClientID string `json:"client_id"`
}

// Samples carries exported rows. For TypeSamples, From is the index of the
// first row in the full history; for TypeHistory the rows are a decimated
// view of the first Total samples.
type Samples struct {
	From  int          `json:"from"`
	Total int          `json:"total"`
	Rows  []sample.Row `json:"rows"`
}

// Status is a session state report.
type Status struct {
	SessionID        string    `json:"session_id,omitempty"`
	State            string    `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	Error            string    `json:"error,omitempty"`
	TriggerThreshold float64   `json:"trigger_threshold,omitempty"`
	TargetRate       float64   `json:"target_rate,omitempty"`
	StartTime        time.Time `json:"start_time,omitzero"`
	Baseline         float64   `json:"baseline"`
}

// NewStatus converts a session to its wire shape.
func NewStatus(s session.Session) Status {
	st := Status{
		State:            s.State.String(),
		TriggerThreshold: s.TriggerThreshold,
		TargetRate:       s.TargetRate,
		StartTime:        s.StartTime,
		Baseline:         s.Baseline,
	}
	if s.State != acquire.Idle {
		st.SessionID = s.ID.String()
		st.Reason = s.Reason.String()
	}
	if s.Err != nil {
		st.Error = s.Err.Error()
	}
	return st
}

func encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
