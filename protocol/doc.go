// Package protocol defines the wire envelope exchanged between the
// orchestrator and its participants, the typed content carried by each
// message type, and the codecs used to frame it.
//
// Every frame is a Message:
//
//	{"id": "...", "type": "task.create", "content": {...}, "requestId": "...", "timestamp": "..."}
//
// Content is kept raw until Decode is called at the transport boundary.
// Decode selects the content struct for the message type and validates it,
// returning a *DecodeError for anything malformed so the router only ever
// sees well-formed payloads.
//
// Text frames carry JSON. Binary frames carry the same envelope as CBOR.
package protocol
