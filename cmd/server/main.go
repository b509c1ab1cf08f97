package main

import (
	"flag"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/cmd"
	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var login bool
	var configPath string

	flag.BoolVar(&login, "login", false, "Store Gemini web cookies interactively")
	flag.StringVar(&configPath, "config", "", "Configure File Path")

	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.ApplyDebugLevel(cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	if login {
		cmd.DoLogin(cfg)
		return
	}
	cmd.StartService(cfg, configPath)
}
