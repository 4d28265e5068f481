package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Ramsey-B/fern/internal/cli"
	"github.com/Ramsey-B/fern/pkg/errors"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if pe, ok := errors.AsPipelineError(err); ok && pe.Query != "" {
			fmt.Fprintf(os.Stderr, "query: %s\nparams: %v\n", pe.Query, pe.Params)
		}
		os.Exit(1)
	}
}
