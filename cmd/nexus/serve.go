package main

import (
	"context"
	"io"

	"github.com/youruser/nexus/internal/protocol"
	"github.com/youruser/nexus/internal/session"
)

func runServe(ctx context.Context, opts *rootOptions, in io.Reader, out io.Writer) error {
	logBuildInfo()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	sessOpts, err := opts.sessionOptions()
	if err != nil {
		return err
	}

	srv := protocol.NewServer(in, out,
		protocol.WithVersion(versionString()),
		protocol.WithReload(opts.loadConfig),
	)
	sessOpts = append(sessOpts, session.WithUI(srv), session.WithConfirmer(srv))
	coord := session.New(cfg, session.ClientFactory, sessOpts...)

	log.Info("Serving (provider=%s model=%s)", cfg.Provider, cfg.Model)
	return srv.Serve(ctx, coord)
}
