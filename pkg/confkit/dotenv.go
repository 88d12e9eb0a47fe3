package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads a .env file into the process environment the first time it
// is called. TICKSTORE_ENV_FILE names the file explicitly; otherwise .env files are
// picked up from the working directory up to the project root. Variables already
// set win unless DOTENV_OVERLOAD=1. NO_DOTENV=1 disables the lookup.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	load := godotenv.Load
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		load = godotenv.Overload
	}

	if envFile := os.Getenv("TICKSTORE_ENV_FILE"); envFile != "" {
		_ = load(envFile)
		return
	}

	dir, err := os.Getwd()
	if err != nil {
		_ = load(".env")
		return
	}
	for _, d := range walkUp(dir) {
		if p := filepath.Join(d, ".env"); fileExists(p) {
			_ = load(p)
		}
		if isProjectRoot(d) {
			return
		}
	}
}
