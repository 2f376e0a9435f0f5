package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/gofhir/conformance"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, errInvalid) {
		stop()
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Something has happened: %v\n", err)
	if kind := conformance.KindOf(err); kind != conformance.KindUnknown {
		fmt.Fprintf(os.Stderr, "kind: %s\n", kind)
	}
	stop()
	os.Exit(2)
}
