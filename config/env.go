package config

import (
	"fmt"
	"os"

	"github.com/go-pluto/imaplogind/types"
	"github.com/joho/godotenv"
)

// LoadEnv loads the .env file at path and reads the shared secret used to authenticate the login front-end to the
// auth service and backend master.
func LoadEnv(path string) (*types.Env, error) {

	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("config: failed to read .env file at %q: %w", path, err)
	}

	env := &types.Env{
		Secret: os.Getenv("SECRET"),
	}

	return env, nil
}
