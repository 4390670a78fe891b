package env

import (
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

// Env holds the values read from the .env file. They take precedence over
// the process environment.
var Env map[string]string

// candidateEnvFiles are tried in order, relative to the working directory,
// so binaries started from cmd/<name> still find the project root file.
var candidateEnvFiles = []string{".env", "../../.env", "../../../.env"}

func lookup(key string) (string, bool) {
	if val, ok := Env[key]; ok {
		return val, true
	}
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	return "", false
}

func GetEnv(key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

// parsed returns parse(value) for key, or def when the key is unset or the
// value does not parse.
func parsed[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		log.Warnf("[Env] Ignoring invalid %s=%q: %v", key, raw, err)
		return def
	}
	return v
}

func GetEnvInt(key string, def int) int {
	return parsed(key, def, strconv.Atoi)
}

func GetEnvBool(key string, def bool) bool {
	return parsed(key, def, strconv.ParseBool)
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	return parsed(key, def, time.ParseDuration)
}

// SetupEnvFile loads the first .env file found. Without one, only the
// process environment is used.
func SetupEnvFile() {
	for _, path := range candidateEnvFiles {
		values, err := godotenv.Read(path)
		if err == nil {
			Env = values
			return
		}
	}

	Env = map[string]string{}
	log.Warn("[Env] No .env file found, using process environment only")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
