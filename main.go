// tim8-gateway: the TiM8 incident gateway.
//
// Usage:
//
//	tim8-gateway serve                        # API, poller and broadcast hub
//	tim8-gateway serve --listen :9090         # override the listen address
//	tim8-gateway enroll --workspace acme      # issue an agent enrollment token
//	tim8-gateway version
package main

import "github.com/tinkerbelle-io/tim8-gateway/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
