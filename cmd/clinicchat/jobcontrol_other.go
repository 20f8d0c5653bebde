//go:build !unix

package main

import (
	"context"

	"github.com/lrhodin/clinicchat/pkg/connector"
)

func watchJobControl(ctx context.Context, _ connector.LifecycleTarget) {
	<-ctx.Done()
}
