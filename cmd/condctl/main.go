// Command condctl evaluates condition groups and resolves dynamic values
// against an environment snapshot file, without a server or database.
//
//	condctl eval --env site.yaml group.json
//	condctl resolve --env site.yaml config.jsonc
//	condctl validate group.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errIssuesFound) {
			fmt.Fprintln(os.Stderr, "condctl:", err)
		}
		os.Exit(1)
	}
}
