package main

import (
	"os"
	"path/filepath"

	"github.com/framelink/framelink-sdk-go/pkg/session"
)

// dataDir resolves the local storage directory for artifacts and settings.
func dataDir() string {
	if dir := os.Getenv("FRAMELINK_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "framelink-data"
	}
	return filepath.Join(home, ".framelink")
}

// openArtifactStore opens the durable store under the data directory.
func openArtifactStore() (*session.BadgerArtifactStore, error) {
	return session.OpenBadgerArtifactStore(filepath.Join(dataDir(), "store"))
}

// exportConfigFromEnv assembles the S3 export target from FRAMELINK_S3_*
// variables. An empty endpoint or bucket disables sharing.
func exportConfigFromEnv() session.S3ExportConfig {
	return session.S3ExportConfig{
		Endpoint:       os.Getenv("FRAMELINK_S3_ENDPOINT"),
		AccessKey:      os.Getenv("FRAMELINK_S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("FRAMELINK_S3_SECRET_KEY"),
		SessionToken:   os.Getenv("FRAMELINK_S3_SESSION_TOKEN"),
		Bucket:         os.Getenv("FRAMELINK_S3_BUCKET"),
		Prefix:         os.Getenv("FRAMELINK_S3_PREFIX"),
		Region:         os.Getenv("FRAMELINK_S3_REGION"),
		UseSSL:         envBool("FRAMELINK_S3_USE_SSL"),
		ForcePathStyle: envBool("FRAMELINK_S3_FORCE_PATH_STYLE"),
	}
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}

// newExporter builds the S3 exporter when the environment configures one,
// else returns nil and sharing stays disabled.
func newExporter(logger session.Logger) session.ArtifactExporter {
	cfg := exportConfigFromEnv()
	if !cfg.Enabled() {
		return nil
	}
	exporter, err := session.NewS3Exporter(cfg, logger)
	if err != nil {
		logger.Warn("s3 export disabled", "error", err)
		return nil
	}
	return exporter
}
