package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikekulinski/zkclient/pkg/config"
	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/server"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var (
	configFile           string
	generateSampleConfig bool
)

func init() {
	flag.StringVar(&configFile, "c", "zk.toml", "-c=zk.toml")
	flag.BoolVar(&generateSampleConfig, "gencfg", false, "-gencfg")
}

func main() {
	flag.Parse()
	log := logging.NewLogger("main")
	fs := afero.NewOsFs()

	if generateSampleConfig {
		f, err := fs.Create("zk.toml.example")
		if err != nil {
			log.WithError(err).Fatal("Failed to create sample config")
		}
		defer f.Close()
		if err := config.WriteDefault(f); err != nil {
			log.WithError(err).Fatal("Failed to write sample config")
		}
		return
	}

	cfg, err := config.Load(fs, configFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	serverLog := logging.NewLogger("server")
	if err := logging.SetLevel(serverLog, cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("Invalid log level")
	}

	zk, err := server.NewServer(cfg.ServerOptions(fs, serverLog))
	if err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}
	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		log.WithError(err).Fatal("Failed to listen")
	}
	grpcServer := grpc.NewServer(pbzk.ServerCodec())
	pbzk.RegisterZookeeperServer(grpcServer, zk)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("address", lis.Addr().String()).Info("Listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return zk.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		// Sessions stay open indefinitely, so a graceful stop would never finish.
		grpcServer.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.WithError(err).Fatal("Server failed")
	}
}
