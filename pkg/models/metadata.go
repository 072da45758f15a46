package models

import (
	"encoding/json"
	"fmt"
)

// MetadataKind tags the payload stored on a handoff.
type MetadataKind string

const (
	MetadataRouting    MetadataKind = "routing"
	MetadataEscalation MetadataKind = "escalation"
	MetadataManual     MetadataKind = "manual"
)

// MetadataPayload is implemented by every handoff metadata variant.
// The set is closed: only types in this package implement it.
type MetadataPayload interface {
	Kind() MetadataKind
	isMetadata()
}

// RoutingMetadata records how the router reached an automatic decision.
type RoutingMetadata struct {
	PreferredType TeamType `json:"preferred_team_type,omitempty"`
	Confidence    float64  `json:"confidence"`
	Reason        string   `json:"reason"`
	Alternatives  []string `json:"alternatives,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
	Degraded      bool     `json:"degraded,omitempty"`
	TableVersion  string   `json:"routing_table_version,omitempty"`
}

// EscalationMetadata carries context for a handoff awaiting human confirmation.
type EscalationMetadata struct {
	RequestedBy      string `json:"requested_by,omitempty"`
	FrustrationLevel int    `json:"frustration_level,omitempty"`
	Note             string `json:"note,omitempty"`
}

// ManualMetadata records a human-initiated transfer.
type ManualMetadata struct {
	ActorID    string `json:"actor_id,omitempty"`
	Supervisor bool   `json:"supervisor,omitempty"`
	Note       string `json:"note,omitempty"`
}

func (RoutingMetadata) Kind() MetadataKind    { return MetadataRouting }
func (EscalationMetadata) Kind() MetadataKind { return MetadataEscalation }
func (ManualMetadata) Kind() MetadataKind     { return MetadataManual }

func (RoutingMetadata) isMetadata()    {}
func (EscalationMetadata) isMetadata() {}
func (ManualMetadata) isMetadata()     {}

// Metadata wraps a MetadataPayload and serializes it as {"kind":..., "data":...}.
type Metadata struct {
	Payload MetadataPayload
}

// NewMetadata wraps p. Pointer variants are stored by value.
func NewMetadata(p MetadataPayload) Metadata {
	return Metadata{Payload: Metadata{Payload: p}.Value()}
}

// Value returns the payload with pointer variants dereferenced, so a type
// switch over the value variants is exhaustive. A nil pointer yields nil.
func (m Metadata) Value() MetadataPayload {
	switch p := m.Payload.(type) {
	case *RoutingMetadata:
		if p == nil {
			return nil
		}
		return *p
	case *EscalationMetadata:
		if p == nil {
			return nil
		}
		return *p
	case *ManualMetadata:
		if p == nil {
			return nil
		}
		return *p
	}
	return m.Payload
}

type metadataWire struct {
	Kind MetadataKind    `json:"kind,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	p := m.Value()
	if p == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataWire{Kind: p.Kind(), Data: data})
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || len(b) == 0 {
		m.Payload = nil
		return nil
	}
	var w metadataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "":
		m.Payload = nil
		return nil
	case MetadataRouting:
		var p RoutingMetadata
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return err
		}
		m.Payload = p
	case MetadataEscalation:
		var p EscalationMetadata
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return err
		}
		m.Payload = p
	case MetadataManual:
		var p ManualMetadata
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return err
		}
		m.Payload = p
	default:
		return fmt.Errorf("unknown handoff metadata kind %q", w.Kind)
	}
	return nil
}
