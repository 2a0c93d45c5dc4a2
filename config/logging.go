package config

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets the global logrus formatter and level.
func ConfigureLogging(config LoggingConfig) error {
	if config.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)

	level, err := log.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
