// Package adminapi implements the admin, worker callback and landing handlers.
package adminapi

import "sync"

var initOnce sync.Once

// Init registers every route with the webserver. It must run before
// webserver.NewServer.
func Init() {
	initOnce.Do(func() {
		registerAuthRoutes()
		registerTenantRoutes()
		registerWorkerRoutes()
		registerConsolidatedRoutes()
		registerCallbackRoutes()
		registerLandingRoutes()
	})
}
