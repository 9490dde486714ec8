// Package contracts provides the data types shared by the connector, its transports
// and the application.
//
// This package defines:
//   - Envelope: the message and metadata container exchanged with an endpoint
//   - the error taxonomy used across iotlink (configuration, encoding, transmit,
//     callback and unsupported-capability errors)
//
// An Envelope carries its body either as an in-memory object or as a byte stream,
// never both. Transports fill in delivery metadata (lock token, delivery count,
// sequence numbers) on received envelopes.
package contracts
