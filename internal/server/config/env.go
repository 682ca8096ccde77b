package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/wpfleet/mailvault/internal/flagx"
)

// Environment variables read by parseEnv.
const (
	EnvMasterSecret        = "MAILVAULT_MASTER_SECRET"
	EnvStorageSalt         = "MAILVAULT_STORAGE_SALT"
	EnvRecoverySalt        = "MAILVAULT_RECOVERY_SALT"
	EnvDownloadTokenSecret = "MAILVAULT_DOWNLOAD_TOKEN_SECRET"
	EnvDatabaseDSN         = "MAILVAULT_DATABASE_DSN"
)

const defaultEnvFile = ".env"

// parseEnv loads the dotenv file named by -env (or ./.env when present) and
// then reads secrets from the process environment. Variables that are
// already set in the environment win over the file.
func parseEnv(config *Config, args []string) error {
	path := flagx.EnvFileFlag(args)
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	config.MasterSecret = os.Getenv(EnvMasterSecret)
	config.StorageSalt = os.Getenv(EnvStorageSalt)
	config.RecoverySalt = os.Getenv(EnvRecoverySalt)
	config.DownloadTokenSecret = os.Getenv(EnvDownloadTokenSecret)
	setString(&config.DatabaseDSN, os.Getenv(EnvDatabaseDSN))
	return nil
}
