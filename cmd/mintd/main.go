package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openecash/mintd/mint"
	"github.com/openecash/mintd/mint/manager"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "path to mint.toml config file")
	managerAddr := flag.String("manager", "127.0.0.1:8081", "address for the admin server")
	flag.Parse()

	// optional, env vars can also come from the environment directly
	godotenv.Load()

	var config mint.Config
	var err error
	if *configFile != "" {
		config, err = mint.LoadConfig(*configFile)
	} else {
		config, err = mint.GetConfigFromEnv()
	}
	if err != nil {
		log.Fatalf("error reading mint config: %v", err)
	}

	mintServer, err := mint.SetupMintServer(config)
	if err != nil {
		log.Fatalf("error setting up mint server: %v", err)
	}

	managerServer, err := manager.SetupServer(mintServer.Mint(), *managerAddr)
	if err != nil {
		log.Fatalf("error setting up admin server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(mintServer.Start)
	g.Go(managerServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		managerServer.Shutdown()
		return mintServer.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
