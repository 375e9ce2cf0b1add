package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/shotreport/internal/tui"
)

func runWatchCommand(ctx context.Context, args []string, interactive bool) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: shotreport watch [url]")
		return 2
	}
	base, err := serverURL(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	if interactive {
		err = tui.Run(ctx, base)
	} else {
		err = tui.RunPlain(ctx, os.Stdout, base)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
