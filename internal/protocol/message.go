// Package protocol defines the closed set of envelopes exchanged between a
// sync server and its clients over a duplex channel
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType names an envelope kind. The set is closed: anything not listed
// here is rejected by Decode
type MessageType string

// Server -> client
const (
	SrvInitStart       MessageType = "srv_init_start"
	SrvInitChanges     MessageType = "srv_init_changes"
	SrvInitComplete    MessageType = "srv_init_complete"
	SrvCatchupChanges  MessageType = "srv_catchup_changes"
	SrvLiveChanges     MessageType = "srv_live_changes"
	SrvLSNUpdate       MessageType = "srv_lsn_update"
	SrvHeartbeat       MessageType = "srv_heartbeat"
	SrvError           MessageType = "srv_error"
	SrvChangesReceived MessageType = "srv_changes_received"
	SrvChangesApplied  MessageType = "srv_changes_applied"
	SrvSyncCompleted   MessageType = "srv_sync_completed"
	SrvSyncStats       MessageType = "srv_sync_stats"
)

// Client -> server
const (
	CltSyncRequest     MessageType = "clt_sync_request"
	CltSendChanges     MessageType = "clt_send_changes"
	CltHeartbeat       MessageType = "clt_heartbeat"
	CltChangesReceived MessageType = "clt_changes_received"
	CltChangesApplied  MessageType = "clt_changes_applied"
	CltInitReceived    MessageType = "clt_init_received"
	CltCatchupReceived MessageType = "clt_catchup_received"
	CltError           MessageType = "clt_error"
)

var serverTypes = map[MessageType]bool{
	SrvInitStart: true, SrvInitChanges: true, SrvInitComplete: true, SrvCatchupChanges: true,
	SrvLiveChanges: true, SrvLSNUpdate: true, SrvHeartbeat: true, SrvError: true,
	SrvChangesReceived: true, SrvChangesApplied: true, SrvSyncCompleted: true, SrvSyncStats: true,
}

var clientTypes = map[MessageType]bool{
	CltSyncRequest: true, CltSendChanges: true, CltHeartbeat: true, CltChangesReceived: true,
	CltChangesApplied: true, CltInitReceived: true, CltCatchupReceived: true, CltError: true,
}

func (t MessageType) FromServer() bool { return serverTypes[t] }
func (t MessageType) FromClient() bool { return clientTypes[t] }
func (t MessageType) Valid() bool      { return serverTypes[t] || clientTypes[t] }

// CarriesChanges reports whether the payload is a ChangesPayload
func (t MessageType) CarriesChanges() bool {
	switch t {
	case SrvInitChanges, SrvCatchupChanges, SrvLiveChanges, CltSendChanges:
		return true
	}
	return false
}

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrWrongSide     = errors.New("message type not valid from this side")
	ErrEmptyEnvelope = errors.New("envelope missing message id")
)

// Envelope is the common frame for every message
type Envelope struct {
	Type      MessageType     `json:"type"`
	MessageID string          `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
	ClientID  string          `json:"clientId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh message id. payload may be nil
func New(typ MessageType, clientID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      typ,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ClientID:  clientID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal
func MustNew(typ MessageType, clientID string, payload any) Envelope {
	env, err := New(typ, clientID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Encode renders the envelope for a byte-oriented transport
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates a frame
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.MessageID == "" {
		return env, ErrEmptyEnvelope
	}
	return env, nil
}

// Expect checks that env may legitimately be received by the given side
func Expect(env Envelope, fromServer bool) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if fromServer && !env.Type.FromServer() || !fromServer && !env.Type.FromClient() {
		return fmt.Errorf("%w: %s", ErrWrongSide, env.Type)
	}
	return nil
}

// Unmarshal decodes the payload into v
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Changes decodes the payload of a batch-bearing message
func (e Envelope) Changes() (ChangesPayload, error) {
	var p ChangesPayload
	if !e.Type.CarriesChanges() {
		return p, fmt.Errorf("%s does not carry changes", e.Type)
	}
	err := e.Unmarshal(&p)
	return p, err
}
