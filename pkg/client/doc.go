// Package client is a Go client for the ratekeeper admission API.
//
// It lets services that cannot embed the engine ask a ratekeeper server
// whether an operation may proceed. It uses only net/http so it can be
// vendored into any service.
//
// Quick start:
//
//	// Set RATEKEEPER_SERVER_ADDR, then:
//	c := client.New()
//
//	err := c.Do(ctx, "login", userID, func(ctx context.Context) error {
//	    return authenticate(ctx, userID)
//	})
//	var limited *client.RateLimitedError
//	if errors.As(err, &limited) {
//	    fmt.Printf("retry in %s\n", limited.RetryAfter)
//	}
package client
