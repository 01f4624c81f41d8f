// Package rabbitmq provides the AMQP plumbing behind the event bus.
//
// This package includes:
//   - ConnectionManager: Owns the broker connection and reconnects on demand
//   - TopologyManager: Declares the main, retry and re-delivery exchanges and queues
//   - Publisher: Publishes with mandatory routing and publisher confirms
//   - Consumer: Runs one consumer per queue with manual acknowledgement
//
// Channel and Connection are narrow interfaces over amqp091-go so the
// bus can be exercised without a running broker.
package rabbitmq
