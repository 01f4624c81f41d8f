// Package interceptors wraps event dispatch with cross-cutting behaviour.
//
// An interceptor sees every delivery before the bus hands it to the
// subscribed handlers and sees the error they return, so it can log,
// filter or short-circuit without the handlers knowing:
//
//	bus, err := eventbus.New(cfg, eventbus.WithInterceptors(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewFilteringInterceptor(
//			interceptors.NewEventNameFilter("OrderPlaced", "OrderShipped"),
//			interceptors.SkipSilently,
//		),
//	))
//
// Interceptors run in the order they are given; the first one added is
// the outermost.
package interceptors
