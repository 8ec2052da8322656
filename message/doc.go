// Package message defines the records exchanged between sessionflow
// components and the interfaces used to move them.
//
// A Record is a keyed, typed payload addressed to a topic. Payloads declare
// their Type (domain, category, version) so that the JSON envelope codec can
// recreate them on the receiving side through a PayloadRegistry, and so that
// routers can choose a destination from the payload type alone.
//
// Sources hand out Deliveries, which must be acknowledged (Ack) once their
// effects are durable or negatively acknowledged (Nak) for redelivery. Sinks
// publish records and return only after the transport has accepted them.
//
// Payload types are registered from the package that owns them:
//
//	func init() {
//		message.MustRegister(SessionEventType, func() message.Payload { return &SessionEvent{} })
//	}
package message
