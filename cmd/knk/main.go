// Command knk runs a Dragonfly server with the Knights and Kings bridge enabled.
//
// The bridge is configured from the environment (see knk.Config).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/df-mc/dragonfly/server"
	"github.com/df-mc/dragonfly/server/player/chat"

	"github.com/knightsandkings/knk"
	"github.com/knightsandkings/knk/plugin"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := knk.LoadConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	chat.Global.Subscribe(chat.StdoutSubscriber{})
	conf, err := server.DefaultConfig().Config(log)
	if err != nil {
		log.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}

	srv := conf.New()
	srv.CloseOnProgramEnd()

	plug, err := plugin.Enable(context.Background(), plugin.Options{
		Config: cfg,
		World:  srv.World(),
		Logger: log,
	})
	if err != nil {
		log.Error("enable bridge", "error", err)
		os.Exit(1)
	}

	srv.Listen()
	for p := range srv.Accept() {
		p.Handle(plug.Join(p))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := plug.Disable(ctx); err != nil {
		os.Exit(1)
	}
}
