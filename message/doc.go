// Package message decodes the stratcon wire protocol into typed events and
// commands.
//
// # Wire Format
//
// Agents emit newline-batched records. Each record is a tab-delimited line
// whose first field is a short prefix naming the record type:
//
//	C   check identity        remote, timestamp, extid, target, module, name
//	S   status                remote, timestamp, extid, state, availability, duration, message
//	M   metric                remote, timestamp, extid, name, type, value
//	MT  transformed metric    as M plus an integer ordering id
//	B1  compressed bundle     remote, timestamp, extid, target, module, name, rawlen, payload
//	B2  raw bundle            as B1, payload is not compressed
//	D   install statement     remote, id, query
//	Q   install query         remote, id, name, query
//	QS  stop query            remote, id
//
// The number of fields per prefix is fixed. A line with an unregistered
// prefix decodes to nothing so agents can introduce record types before the
// core knows about them. A line whose field count does not match is a
// per-record error; DecodeBatch reports it and keeps going.
//
// # Events and Commands
//
// Decoding yields a Message, which is either an Event (CheckEvent,
// StatusEvent, MetricEvent, BundleEvent) or a Command (StatementInstall,
// QueryInstall, QueryStop). Callers switch on the concrete type:
//
//	msg, err := message.Decode(line)
//	switch m := msg.(type) {
//	case message.MetricEvent:
//	    v, ok := m.Value.Float64()
//	case *message.BundleEvent:
//	    for _, ev := range m.Constituents() { ... }
//	case message.QueryInstall:
//	    ...
//	}
//
// Every event carries an Identity (remote agent, millisecond timestamp,
// check UUID) and a Digest computed once from its raw fields.
//
// # Bundles
//
// A bundle packs one optional status and a list of metrics into a protobuf
// payload, base64 wrapped and, for B1, zlib compressed. The payload is
// decoded lazily the first time Constituents is called. A payload that fails
// to decode yields a bundle with no constituents rather than an error.
//
// # XML Control Documents
//
// DecodeXML handles the control documents sent by consoles. The root tag
// selects the result: StratconStatement, StratconQuery, StratconQueryStop or
// NoitMetricNumeric.
package message
