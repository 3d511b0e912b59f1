package main

import (
	"context"
	"log"
	"os"

	"github.com/hyposync/hyposync/internal/agent"
	"github.com/hyposync/hyposync/internal/agent/config"
	"github.com/hyposync/hyposync/internal/buildinfo"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := agent.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	app.Run(ctx)

}
