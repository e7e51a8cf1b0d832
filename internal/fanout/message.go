package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/austin-smith/fusion-bridge-sub007/pkg/sse"
)

// armingType is the discriminator value for alarm-zone state transition
// notices. Everything else on an event channel is an ordinary event.
const armingType = "arming"

// Envelope is the decoded form of one inbound backend message. It lives for a
// single dispatch pass; the raw payload is retained so the wire frame carries
// exactly what the publisher sent.
type Envelope struct {
	Type         string `json:"type"`
	Category     string `json:"category"`
	IsAlarmEvent bool   `json:"isAlarmEvent"`

	raw []byte
}

// decodeEnvelope parses an inbound payload. Malformed messages are dropped by
// the caller; the error carries enough context for the operator log.
func decodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode inbound message: %w", err)
	}
	env.raw = payload
	return &env, nil
}

// IsArming reports whether this message is an alarm-zone state transition
// notice, which bypasses category/type filtering.
func (e *Envelope) IsArming() bool {
	return e.Type == armingType
}

// WireEvent returns the outbound event name for this message.
func (e *Envelope) WireEvent() string {
	if e.IsArming() {
		return sse.EventArming
	}
	return sse.EventEvent
}
