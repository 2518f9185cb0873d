// Command amf-gateway serves the demo AMF remoting services over HTTP.
//
// Configuration is read from the TOML file given by -config (optional) and
// AMF_* environment variables, e.g. AMF_SERVER_LISTEN=:9000.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"amf-rpc/config"
)

func main() {
	path := flag.String("config", os.Getenv("AMF_CONFIG"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amf-gateway: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		Module(cfg),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l}
		}),
	).Run()
}
