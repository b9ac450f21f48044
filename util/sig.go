package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/astaxie/beego/logs"
)

// SignalContext returns a context cancelled by SIGINT or SIGTERM. proc,
// if set, runs once with the received signal before the cancel.
func SignalContext(parent context.Context, proc func(sig os.Signal)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signalChan)
		select {
		case sig := <-signalChan:
			logs.Warn("recv signal %s", sig.String())
			if proc != nil {
				proc(sig)
			}
			logs.Info("ready to exit")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
