/*
Package servers runs the walletd HTTP listeners.

A Server mounts any number of RouteRegistrar handlers on one chi router
together with the operational endpoints:

	GET  /livez     liveness probe
	GET  /readyz    readiness probe, 503 while draining
	POST /drain     stop reporting ready
	POST /undrain   report ready again
	     /debug/*   pprof, when EnablePprof is set

When MetricsAddr and a Gatherer are configured a second listener exposes
Prometheus metrics.

Shutdown marks the server not ready, waits DrainDuration so load balancers
notice, then stops accepting connections and waits up to
GracefulShutdownDuration for in-flight requests.

# Example Usage

	srv := servers.New(&api.HTTPServerConfig{
	    ListenAddr:               ":8080",
	    MetricsAddr:              ":9090",
	    Gatherer:                 registry,
	    Log:                      logger,
	    DrainDuration:            10 * time.Second,
	    GracefulShutdownDuration: 30 * time.Second,
	}, walletHandler, recoveryHandler)
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package servers
