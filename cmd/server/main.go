package main

import (
	"context"
	"log"

	"chunkupload/internal/server"
)

func main() {
	ctx := context.Background()
	cfg := server.LoadConfig()

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	app.Run(ctx)
}
