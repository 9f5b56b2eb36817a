// Package client implements the client library for the swarm database.
// It speaks the envelope protocol over any of the session oriented
// transports and exposes the full operation set as a typed Go API.
//
// The package focuses on:
//   - Nonce based correlation of requests with their responses, tolerant
//     of the redundant answers a swarm produces
//   - Streaming subscription updates through Go channels
//   - Error handling and conversion between wire error codes and domain
//     errors
//
// Key Components:
//
//   - NewSwarmClient: Factory function that creates a client implementing
//     the ISwarmClient interface. The client forwards all operations to
//     the swarm via the configured transport layer.
//
//   - ISwarmClient: The operation surface. Database lifecycle, permission
//     management, record CRUD, expiry control, subscriptions and swarm
//     status.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  Endpoints:              []string{"localhost:5000"},
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 1,
//	}
//
//	// Create the client
//	db, _ := client.NewSwarmClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	defer db.Close()
//
//	// Use the database
//	db.CreateDB("my-db", 0, "")
//	db.Create("my-db", "mykey", []byte("myvalue"), 0)
//	value, exists, _ := db.Read("my-db", "mykey")
//
//	// Watch a key
//	updates, cancel, _ := db.Subscribe("my-db", "mykey")
//	go func() {
//	  for u := range updates {
//	    fmt.Printf("%s %s=%s\n", u.Operation, u.Key, u.Value)
//	  }
//	}()
//	defer cancel()
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing
//     ConnectionsPerEndpoint can improve throughput by allowing parallel
//     requests.
//
//   - QuickRead answers from the contacted node alone and skips consensus
//     ordering. Prefer it for latency sensitive reads that tolerate
//     slightly stale data.
//
//   - The choice of serializer significantly affects performance. The
//     binary serializer provides the best performance and smallest
//     payload size, and is the default of the server.
//
// Thread Safety:
//
//	The client is thread-safe and can be used concurrently from multiple
//	goroutines without additional synchronization. Subscription channels
//	are owned by the client and closed by cancel or Close.
package client
