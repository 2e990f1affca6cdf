// memproxy shards memcached text protocol requests over a set of servers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{
		v:        viper.New(),
		lookuper: envconfig.OsLookuper(),
		stderr:   os.Stderr,
		run:      serve,
	}
	if code := exitCode(newRootCmd(a).ExecuteContext(ctx)); code != 0 {
		cancel()
		os.Exit(code)
	}
}
