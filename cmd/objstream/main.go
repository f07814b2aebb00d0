// Command objstream downloads and lists objects through a resumable,
// retrying client.
//
// Usage:
//
//	objstream get my-bucket/logs/app.log.gz --decompress auto > app.log
//	objstream get --out ./dl --parallel 8 my-bucket/a.bin my-bucket/b.bin
//	objstream ls my-bucket/logs/ --delimiter / --page-size 500
//
// Configuration is read from flags, an optional config file (--config) and
// OBJSTREAM_* environment variables, in that order of precedence.
package main

import (
	"os"
)

func main() {
	if err := newApp(os.Stdout).command().Execute(); err != nil {
		os.Exit(1)
	}
}
