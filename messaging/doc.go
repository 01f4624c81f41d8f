// Package messaging holds the handler contracts, the in-memory
// subscription registry and the metrics interface used by the bus.
//
// Typed subscriptions capture a decode-and-invoke closure when they are
// created, so dispatch never reflects over handler methods:
//
//	sub := messaging.NewTypedSubscription[OrderPlaced](handler)
//	added, err := registry.AddSubscription(sub)
package messaging
