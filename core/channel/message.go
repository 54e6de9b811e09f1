package channel

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Kind string

// client -> authority
const (
	KindBrowserEvent  Kind = "browser-event"
	KindEvidenceFrame Kind = "evidence-frame"
	KindEndMonitoring Kind = "end-monitoring"
	KindCapabilities  Kind = "capabilities"
	KindAnswers       Kind = "answers"
	KindSubmit        Kind = "submit"
)

// authority -> client
const (
	KindWarning           Kind = "warning"
	KindTerminate         Kind = "terminate"
	KindSubmitAck         Kind = "submit-ack"
	KindMonitoringStarted Kind = "monitoring-started"
	KindError             Kind = "error"
)

// Error codes carried by KindError messages.
const (
	CodeCapabilityUnavailable = "capability-unavailable"
	CodeSubmissionRejected    = "submission-rejected"
	CodeMalformedMessage      = "malformed-message"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Inbound reports whether k is sent by the monitored client.
func (k Kind) Inbound() bool {
	switch k {
	case KindBrowserEvent, KindEvidenceFrame, KindEndMonitoring, KindCapabilities, KindAnswers, KindSubmit:
		return true
	}
	return false
}

// Message is the envelope exchanged on an Event Channel.
type Message struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message of the given kind.
func NewMessage(kind Kind, payload interface{}) (Message, error) {
	msg := Message{Kind: kind, SentAt: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, errors.Wrapf(err, "encoding %s payload", kind)
		}
		msg.Payload = data
	}
	return msg, nil
}

// MustMessage is NewMessage for payload types that always encode.
func MustMessage(kind Kind, payload interface{}) Message {
	msg, err := NewMessage(kind, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v and validates it when validate is not nil.
func (m Message) Decode(v interface{}, validate *validator.Validate) error {
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return errors.Wrapf(err, "decoding %s payload", m.Kind)
		}
	}
	if validate != nil {
		if err := validate.Struct(v); err != nil {
			return err
		}
	}
	return nil
}

type (
	BrowserEvent struct {
		Kind            string                 `json:"kind" validate:"required,signalkind"`
		Metadata        map[string]interface{} `json:"metadata,omitempty"`
		ClientTimestamp time.Time              `json:"client_timestamp"`
	}

	EvidenceFrame struct {
		Sequence        uint64    `json:"sequence" validate:"required"`
		Payload         []byte    `json:"payload" validate:"required"`
		ClientTimestamp time.Time `json:"client_timestamp"`
	}

	EndMonitoring struct{}

	Capabilities struct {
		Camera      bool `json:"camera"`
		Microphone  bool `json:"microphone"`
		ScreenShare bool `json:"screen_share"`
		Fullscreen  bool `json:"fullscreen"`
	}

	// Answers carries the opaque answer state, either as a progress snapshot (KindAnswers)
	// or as the final submission (KindSubmit).
	Answers struct {
		Payload json.RawMessage `json:"payload"`
	}

	Warning struct {
		Message        string `json:"message"`
		ViolationCount int    `json:"violation_count"`
	}

	Terminate struct {
		Reason string `json:"reason"`
	}

	SubmitAck struct {
		Accepted bool `json:"accepted"`
	}

	MonitoringStarted struct {
		ExpiresAt time.Time `json:"expires_at"`
		Threshold int       `json:"threshold"`
		// CaptureIntervalMs tells the client how often to send evidence frames.
		CaptureIntervalMs int64 `json:"capture_interval_ms"`
		ViolationCount    int   `json:"violation_count"`
	}

	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)
