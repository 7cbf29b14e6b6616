// Command collector serves the Bangumi user and on-air catalog cache.
//
// Run locally with `go run ./cmd/collector serve --config config.yaml`, or
// refresh the catalog once with `go run ./cmd/collector refresh-onair`.
// Every key can be overridden through COLLECTOR_* environment variables,
// e.g. COLLECTOR_DATABASE_DSN or COLLECTOR_SERVER_PORT.
package main

import "github.com/JakeFAU/bgm-collector/cmd"

func main() {
	cmd.Execute()
}
