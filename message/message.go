package message

import (
	"time"
)

// Kind identifies a record type by its wire prefix
type Kind string

// Known record kinds
const (
	KindCheck             Kind = "C"
	KindStatus            Kind = "S"
	KindMetric            Kind = "M"
	KindTransformedMetric Kind = "MT"
	KindBundleV1          Kind = "B1"
	KindBundleV2          Kind = "B2"
	KindStatementInstall  Kind = "D"
	KindQueryInstall      Kind = "Q"
	KindQueryStop         Kind = "QS"
)

// Message is a decoded record. It is either an Event or a Command.
type Message interface {
	Kind() Kind
}

// Event is telemetry reported by an agent.
type Event interface {
	Message
	Identity() Identity
	Digest() Digest
	isEvent()
}

// Command changes the set of statements and queries installed in the engine.
type Command interface {
	Message
	CommandID() string
	isCommand()
}

// Identity is the (agent, timestamp, check) triple shared by every event.
// Target, Module and Name are filled from the extended id when it carries
// them, or from the record's own fields for check and bundle records.
type Identity struct {
	Remote    string
	Timestamp int64 // milliseconds since the epoch
	UUID      string
	Target    string
	Module    string
	Name      string
}

// Time returns the timestamp as a time.Time
func (id Identity) Time() time.Time {
	return time.UnixMilli(id.Timestamp)
}

func newIdentity(remote string, ts int64, ext ExtendedID) Identity {
	return Identity{
		Remote:    remote,
		Timestamp: ts,
		UUID:      ext.UUID,
		Target:    ext.Target,
		Module:    ext.Module,
		Name:      ext.Name,
	}
}

// withCheck fills missing target/module/name from explicit record fields.
func (id Identity) withCheck(target, module, name string) Identity {
	if id.Target == "" {
		id.Target = target
	}
	if id.Module == "" {
		id.Module = module
	}
	if id.Name == "" {
		id.Name = name
	}
	return id
}

// CheckEvent announces the identity of a check.
type CheckEvent struct {
	id     Identity
	digest Digest

	Target string
	Module string
	Name   string
}

// NewCheckEvent builds a CheckEvent and computes its digest
func NewCheckEvent(id Identity, target, module, name string) CheckEvent {
	return CheckEvent{
		id:     id.withCheck(target, module, name),
		digest: computeDigest(string(KindCheck), id.Remote, formatMillis(id.Timestamp), id.UUID, target, module, name),
		Target: target,
		Module: module,
		Name:   name,
	}
}

func (e CheckEvent) Kind() Kind         { return KindCheck }
func (e CheckEvent) Identity() Identity { return e.id }
func (e CheckEvent) Digest() Digest     { return e.digest }
func (CheckEvent) isEvent()             {}

// StatusEvent reports the state and availability of a check run.
type StatusEvent struct {
	id     Identity
	digest Digest

	State        string
	Availability string
	Duration     int64 // milliseconds
	Message      string
}

// NewStatusEvent builds a StatusEvent and computes its digest
func NewStatusEvent(id Identity, state, availability string, duration int64, msg string) StatusEvent {
	return StatusEvent{
		id: id,
		digest: computeDigest(string(KindStatus), id.Remote, formatMillis(id.Timestamp), id.UUID,
			state, availability, formatInt(duration), msg),
		State:        state,
		Availability: availability,
		Duration:     duration,
		Message:      msg,
	}
}

func (e StatusEvent) Kind() Kind         { return KindStatus }
func (e StatusEvent) Identity() Identity { return e.id }
func (e StatusEvent) Digest() Digest     { return e.digest }
func (StatusEvent) isEvent()             {}

// MetricEvent carries one named metric sample.
type MetricEvent struct {
	id     Identity
	digest Digest

	Name  string
	Value MetricValue

	// Transformed is set for MT records, which also carry an ordering id.
	Transformed bool
	Order       int64
}

// NewMetricEvent builds a MetricEvent and computes its digest
func NewMetricEvent(id Identity, name string, value MetricValue) MetricEvent {
	return MetricEvent{
		id: id,
		digest: computeDigest(string(KindMetric), id.Remote, formatMillis(id.Timestamp), id.UUID,
			name, string(value.Type), value.String()),
		Name:  name,
		Value: value,
	}
}

// NewTransformedMetricEvent builds an MT metric with its ordering id
func NewTransformedMetricEvent(id Identity, name string, value MetricValue, order int64) MetricEvent {
	return MetricEvent{
		id: id,
		digest: computeDigest(string(KindTransformedMetric), id.Remote, formatMillis(id.Timestamp), id.UUID,
			name, string(value.Type), value.String(), formatInt(order)),
		Name:        name,
		Value:       value,
		Transformed: true,
		Order:       order,
	}
}

func (e MetricEvent) Kind() Kind {
	if e.Transformed {
		return KindTransformedMetric
	}
	return KindMetric
}
func (e MetricEvent) Identity() Identity { return e.id }
func (e MetricEvent) Digest() Digest     { return e.digest }
func (MetricEvent) isEvent()             {}

// StatementInstall installs a persistent statement with no listener.
type StatementInstall struct {
	Remote string
	ID     string
	Query  string
}

func (c StatementInstall) Kind() Kind        { return KindStatementInstall }
func (c StatementInstall) CommandID() string { return c.ID }
func (StatementInstall) isCommand()          {}

// QueryInstall installs a named query whose results are published as alerts.
type QueryInstall struct {
	Remote string
	ID     string
	Name   string
	Query  string
}

func (c QueryInstall) Kind() Kind        { return KindQueryInstall }
func (c QueryInstall) CommandID() string { return c.ID }
func (QueryInstall) isCommand()          {}

// QueryStop tears down an installed statement or query.
type QueryStop struct {
	Remote string
	ID     string
}

func (c QueryStop) Kind() Kind        { return KindQueryStop }
func (c QueryStop) CommandID() string { return c.ID }
func (QueryStop) isCommand()          {}
