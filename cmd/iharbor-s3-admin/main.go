// Package main is iharbor-s3-admin, the maintenance tool of the gateway:
// upload inspection and reclamation, bucket bootstrap and metadata
// export/import.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
