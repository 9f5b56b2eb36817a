// Package serializer provides envelope serialization capabilities for the
// swarm RPC system. It defines a common interface and multiple implementations
// for serializing and deserializing the envelopes exchanged between clients,
// nodes and swarm peers.
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Offering multiple implementations with different performance characteristics
//   - Supporting efficient encoding of the system's envelope structure
//   - Minimizing memory allocations and processing overhead
//
// Key Components:
//
//   - IEnvelopeSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for
//     speed and space efficiency. Uses a flag-based approach to encode only
//     present fields, resulting in compact serialized data with minimal
//     overhead.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding,
//     offering good compatibility with Go's type system but with larger
//     serialized sizes.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for
//     debugging or interoperability with other systems, but with lower
//     performance. The JSON encoding doubles as the canonical form the
//     envelope hash is computed over, so it round-trips every protocol field.
//
// Performance Characteristics (based on benchmarks across various envelope shapes):
//
//   - Binary: Delivers superior performance with the smallest payload size. Highly optimized
//     for the application's specific envelope structure and recommended for production use.
//
//   - JSON: Offers acceptable performance with moderate payload sizes. Provides human-readable
//     output beneficial for debugging and system integration scenarios.
//
//   - GOB: Performs significantly worse than other implementations with consistently larger
//     payload sizes. Not recommended for use in this system as it provides no advantages
//     over Binary or JSON serialization.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the application:
//
//	  serializer := serializer.NewBinarySerializer()
//	  data, err := serializer.Serialize(envelope)
//	  // ... send data ...
//	  var received proto.Envelope
//	  err = serializer.Deserialize(receivedData, &received)
package serializer
