// Package main is the decidez command.
//
// The serve bootstrap sequence is:
//  1. Load configuration from the config file and DECIDEZ_* variables.
//  2. Connect to PostgreSQL via pgxpool, optionally applying migrations.
//  3. Build the evaluation cache, context providers and rules file layer.
//  4. Create the repository and service (eagerly loading the decision cache).
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"fmt"
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
