//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lrhodin/clinicchat/pkg/connector"
)

// watchJobControl pauses polling while the shell has the process suspended
// (Ctrl-Z) and resumes it on fg/bg.
func watchJobControl(ctx context.Context, target connector.LifecycleTarget) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			switch sig {
			case syscall.SIGTSTP:
				target.SetAppState(connector.AppStateBackground)
				_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)
			case syscall.SIGCONT:
				target.SetAppState(connector.AppStateActive)
			}
		}
	}
}
