package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pageprimer/internal/engine"
	"pageprimer/pkg/api"
	"pageprimer/pkg/domain"
)

var (
	primeSelector string
	primeTimeout  time.Duration
)

var primeCmd = &cobra.Command{
	Use:   "prime <url>",
	Short: "Prime a page and every resource it loads into the cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrime,
}

func init() {
	primeCmd.Flags().StringVar(&primeSelector, "selector", "", "Consider the page loaded once this CSS selector is present")
	primeCmd.Flags().DurationVar(&primeTimeout, "timeout", 0, "Cancel priming after this duration (default: server.primeTimeoutMS)")
}

func runPrime(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := primeTimeout
	if timeout <= 0 {
		timeout = time.Duration(cfg.Server.PrimeTimeoutMS) * time.Millisecond
	}
	loaded := engine.ReadyStateComplete
	if primeSelector != "" {
		loaded = engine.AllOf(engine.ReadyStateComplete, engine.SelectorPresent(primeSelector))
	}

	done := make(chan error, 1)
	id, err := svc.PrimePage(ctx, api.PrimeRequest{
		URL:        args[0],
		Loaded:     loaded,
		OnComplete: func(domain.SessionID) { done <- nil },
		OnFailure:  func(_ domain.SessionID, err error) { done <- err },
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-timer.C:
		_ = svc.Cancel(id)
		return fmt.Errorf("prime %s: timed out after %s", args[0], timeout)
	case <-ctx.Done():
		_ = svc.Cancel(id)
		return ctx.Err()
	}

	keys, err := svc.Store().Keys(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "primed %s (%d cached resources)\n", args[0], len(keys))
	return nil
}
