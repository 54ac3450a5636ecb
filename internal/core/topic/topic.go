// Package topic layers keyed instances over a broadcast network.PubSub.
//
// A Writer registers instances (identified by a string key), writes values
// for them and proves its liveliness with periodic heartbeats. A Reader
// tracks, per instance, which writers are alive and keeps a short history of
// samples together with DDS-style instance and sample states. When the last
// writer of an instance unregisters or misses its lease, the instance moves
// to NotAliveNoWriters and the reader appends a payload-less sample so that
// consumers can observe the transition exactly once.
package topic

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed                = errors.New("topic closed")
	ErrEmptyKey              = errors.New("instance key is empty")
	ErrInstanceRegistered    = errors.New("instance already registered by this writer")
	ErrInstanceNotRegistered = errors.New("instance not registered")
	ErrInstanceOwned         = errors.New("instance owned by another live writer")
	ErrSubscriptionClosed    = errors.New("subscription closed by transport")
)

type InstanceState int

const (
	InstanceAlive InstanceState = iota
	InstanceNotAliveDisposed
	InstanceNotAliveNoWriters
)

func (s InstanceState) String() string {
	switch s {
	case InstanceAlive:
		return "ALIVE"
	case InstanceNotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case InstanceNotAliveNoWriters:
		return "NOT_ALIVE_NO_WRITERS"
	default:
		return "UNKNOWN"
	}
}

type SampleState int

const (
	SampleNotRead SampleState = iota
	SampleRead
)

// StatusKind is a bit set of reader statuses a caller can wait on.
type StatusKind uint8

const (
	DataAvailable StatusKind = 1 << iota
	LivelinessChanged
)

// SampleInfo describes a sample as seen at the time it was read.
type SampleInfo struct {
	Key           string
	Valid         bool
	InstanceState InstanceState
	SampleState   SampleState
	Writer        string
	SourceTime    time.Time
	// Sequence orders samples by arrival at this reader.
	Sequence uint64
}

// Sample is one delivery for an instance. Data is nil when Info.Valid is false.
type Sample struct {
	Data json.RawMessage
	Info SampleInfo
}

// Decode unmarshals the sample payload into v.
func (s Sample) Decode(v any) error {
	if !s.Info.Valid {
		return errors.New("decode invalid sample")
	}
	return json.Unmarshal(s.Data, v)
}

// InstanceSnapshot is the current view of one instance.
type InstanceSnapshot struct {
	Key     string
	State   InstanceState
	Writers []string
	// Last holds the most recent valid payload, if any is still retained.
	Last json.RawMessage
}

type envelopeKind string

const (
	kindData       envelopeKind = "data"
	kindUnregister envelopeKind = "unregister"
	kindDispose    envelopeKind = "dispose"
	kindHeartbeat  envelopeKind = "heartbeat"
)

type envelope struct {
	Kind      envelopeKind               `json:"kind"`
	Writer    string                     `json:"writer"`
	Key       string                     `json:"key,omitempty"`
	Data      json.RawMessage            `json:"data,omitempty"`
	Lease     time.Duration              `json:"lease"`
	At        time.Time                  `json:"at"`
	Instances map[string]json.RawMessage `json:"instances,omitempty"`
}
