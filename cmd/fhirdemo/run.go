package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/client"
	"github.com/gofhir/conformance/pkg/demo"
	"github.com/gofhir/conformance/pkg/fhirstub"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/validator"
)

func (a *app) newRunCmd() *cobra.Command {
	var (
		pages    int
		showStat bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the walkthrough against a FHIR server or the built-in stub",
		Example: `  fhirdemo run
  fhirdemo run --server http://localhost:8080/fhir
  fhirdemo run --stub`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), pages, showStat)
		},
	}
	flags := cmd.Flags()
	flags.String(keyServer, defaultServer, "base URL of the FHIR server")
	flags.Bool(keyStub, false, "run against an in-process stub server instead of --server")
	flags.Duration(keyTimeout, defaultTimeout, "deadline for the whole walkthrough")
	flags.IntVar(&pages, "pages", demo.DefaultPageLimit, "maximum number of search pages to follow")
	flags.BoolVar(&showStat, "stats", false, "print validation and remote call counters at the end")
	return cmd
}

func (a *app) run(ctx context.Context, pages int, showStats bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	metrics := conformance.NewMetrics()
	dir, explicit := a.profileDir()
	v, err := demo.NewValidator(demo.ProfileDir(dir, explicit), metrics, validator.WithStrictMode(a.v.GetBool(keyStrict)))
	if err != nil {
		return err
	}

	base := a.v.GetString(keyServer)
	if a.v.GetBool(keyStub) {
		stub := fhirstub.New(fhirstub.WithValidator(func(ctx context.Context, resource []byte) (*issue.Outcome, error) {
			return v.Validate(ctx, resource)
		}))
		ts := httptest.NewServer(stub)
		defer ts.Close()
		base = ts.URL
		logger.Info("stub server listening on %s", base)
	}

	c, err := client.New(base, client.WithMetrics(metrics))
	if err != nil {
		return err
	}

	if timeout := a.v.GetDuration(keyTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runner := &demo.Runner{Validator: v, Client: c, Out: a.out, PageLimit: pages}
	err = runner.Run(ctx)
	if showStats {
		a.printStats(metrics)
	}
	return err
}

func (a *app) printStats(m *conformance.Metrics) {
	s := m.Snapshot()
	fmt.Fprintf(a.out, "\nValidations: %d (%d valid), cache hits: %d, misses: %d\n",
		s.ValidationsTotal, s.ValidationsValid, s.CacheHits, s.CacheMisses)
	for _, r := range s.Remote {
		fmt.Fprintf(a.out, "  %-12s calls: %d", r.Op, r.Calls)
		kinds := make([]string, 0, len(r.Failures))
		for kind := range r.Failures {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(a.out, " %s: %d", kind, r.Failures[kind])
		}
		fmt.Fprintln(a.out)
	}
}
