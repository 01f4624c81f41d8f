// Package contracts defines the integration event types shared by
// publishers and handlers, and the error kinds handlers return to steer
// redelivery.
//
// An event is any struct that embeds BaseIntegrationEvent. Its name on the
// wire is the Go type name unless the type implements Named:
//
//	type OrderPlaced struct {
//	    contracts.BaseIntegrationEvent
//	    OrderID string `json:"orderId"`
//	}
//
// Handlers classify failures with Recoverable and Fatal. Recoverable
// failures are redelivered after the retry delay until the redelivery
// budget is spent; everything else is acknowledged and dropped.
package contracts
