// Package env resolves DROIDNET_* settings from the process environment and
// an optional dotenv file.
package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvFile points to an explicit dotenv file and disables the search.
const EnvFile = "DROIDNET_ENV_FILE"

// SystemFile is consulted when no .env is found above the working directory,
// which is the usual case for the procd service on the router.
const SystemFile = "/etc/droidnet/droidnet.env"

var (
	once    sync.Once
	loaded  string
	loadErr error
)

// Ensure loads the dotenv file once. Variables already present in the
// environment win over the file. Under `go test` nothing is loaded unless
// GOTEST_LOAD_DOTENV=1.
func Ensure() error {
	if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	once.Do(func() {
		path, err := locate(SystemFile)
		if err != nil || path == "" {
			loadErr = err
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = errors.Wrapf(err, "load %s", path)
			log.Warn().Err(loadErr).Msg("dotenv ignored")
			return
		}
		loaded = path
	})
	return loadErr
}

// LoadedPath returns the dotenv file applied by Ensure, or "".
func LoadedPath() string {
	return loaded
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// locate returns $DROIDNET_ENV_FILE when set, else the nearest .env from the
// working directory upwards, else fallback when it exists.
func locate(fallback string) (string, error) {
	if explicit, ok := lookup(EnvFile); ok {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Wrapf(err, "%s", EnvFile)
		}
		return explicit, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "resolve working dir")
	}
	for {
		candidate := filepath.Join(dir, ".env")
		info, statErr := os.Stat(candidate)
		switch {
		case statErr == nil && !info.IsDir():
			return candidate, nil
		case statErr != nil && !os.IsNotExist(statErr):
			return "", errors.Wrapf(statErr, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if fallback != "" {
		if info, statErr := os.Stat(fallback); statErr == nil && !info.IsDir() {
			return fallback, nil
		}
	}
	return "", nil
}
