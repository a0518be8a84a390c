package main

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"traffic-router/internal/app/server"
	"traffic-router/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment")
	}
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)

	server.Run(cfg)
}
