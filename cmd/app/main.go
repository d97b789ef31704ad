package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"RateFusion/internal/di"
	"RateFusion/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path (.yaml or .toml)")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	// a missing .env is fine; real environment variables still apply
	_ = godotenv.Load(*envFile)

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	runErr := app.Run()
	cleanup()
	if runErr != nil {
		log.Printf("app error: %v", runErr)
		os.Exit(1)
	}
}
