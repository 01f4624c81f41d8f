// Package tenant resolves tenant codes carried on events into the tenant's
// connection string and scopes handler execution to it.
//
// Each dispatch derives its own context with NewContext; nothing about the
// active tenant is stored in shared state. Handlers read it back with
// FromContext:
//
//	scope, ok := tenant.FromContext(ctx)
//	if ok {
//	    db := pools.For(scope.ConnectionString)
//	}
package tenant
