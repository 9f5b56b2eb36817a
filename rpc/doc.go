// Package rpc contains the wire-facing half of the swarm: the server
// assembly, the client library, the transports and the envelope
// serializers.
//
// Structure:
//
//   - rpc/common: configuration structs and logger setup shared by client
//     and server
//
//   - rpc/serializer: pluggable envelope codecs (binary, json, gob)
//
//   - rpc/transport: session oriented transport contracts with TCP, Unix
//     socket and WebSocket implementations
//
//   - rpc/server: the swarm node assembly, see its package documentation
//
//   - rpc/client: the client library speaking the database protocol
//
// The library layers under lib/ never import from rpc/, all coupling runs
// through the ports defined in lib/pbft.
package rpc
