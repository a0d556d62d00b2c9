// Command ratekeeper runs the admission engine as an HTTP service.
package main

import "github.com/Sentinel-Gate/ratekeeper/cmd/ratekeeper/cmd"

func main() {
	cmd.Execute()
}
