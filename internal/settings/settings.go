// Package settings loads the typed process configuration from environment
// variables with the BUILD_PUBLISHER_ prefix. A .env/.env.local file in the
// working directory is merged in first without overriding the process
// environment.
package settings

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "BUILD_PUBLISHER_"

// DefaultChunkSize is the artifact download chunk size (2 MiB).
const DefaultChunkSize = 2 * 1024 * 1024

// Settings is the typed process configuration.
type Settings struct {
	JenkinsBaseURL           string
	JenkinsUser              string
	JenkinsAPIKey            string
	JenkinsArtifactName      string
	JenkinsDownloadChunkSize int

	StoragePath    string
	RecordsBackend string
	WorkerBackend  string

	EnablePurge bool

	APIKeyEnable bool
	APIKeyKey    []byte
	APIKeyLength int

	// Serve command extras.
	PrometheusAddr string
	MachinesFile   string

	// Thread worker backend: join spawned goroutines before Run returns.
	WorkerThreadWait bool

	// NATS queue backend.
	NATSURL     string
	NATSSubject string
}

// Load reads Settings from the environment. Required keys missing or
// malformed values are returned as errors; the caller treats them as startup
// failures.
func Load() (*Settings, error) {
	return FromMap(environMap())
}

// FromMap builds Settings from an explicit key/value map (tests inject their
// own instead of mutating the process environment). Keys carry the prefix.
func FromMap(env map[string]string) (*Settings, error) {
	get := func(key string) string { return env[Prefix+key] }

	s := &Settings{
		JenkinsBaseURL:           get("JENKINS_BASE_URL"),
		JenkinsUser:              get("JENKINS_USER"),
		JenkinsAPIKey:            get("JENKINS_API_KEY"),
		JenkinsArtifactName:      getDefault(env, "JENKINS_ARTIFACT_NAME", "build.tar.gz"),
		JenkinsDownloadChunkSize: DefaultChunkSize,
		StoragePath:              get("STORAGE_PATH"),
		RecordsBackend:           get("RECORDS_BACKEND"),
		WorkerBackend:            get("WORKER_BACKEND"),
		APIKeyLength:             32,
		PrometheusAddr:           getDefault(env, "PROMETHEUS_ADDR", ":9090"),
		MachinesFile:             get("MACHINES_FILE"),
		NATSURL:                  getDefault(env, "NATS_URL", "nats://localhost:4222"),
		NATSSubject:              getDefault(env, "NATS_SUBJECT", "gbp.tasks"),
	}

	for key, target := range map[string]*string{
		"JENKINS_BASE_URL": &s.JenkinsBaseURL,
		"STORAGE_PATH":     &s.StoragePath,
		"RECORDS_BACKEND":  &s.RecordsBackend,
		"WORKER_BACKEND":   &s.WorkerBackend,
	} {
		if *target == "" {
			return nil, fmt.Errorf("required setting missing: %s%s", Prefix, key)
		}
	}

	if (s.JenkinsUser == "") != (s.JenkinsAPIKey == "") {
		return nil, fmt.Errorf("%sJENKINS_USER and %sJENKINS_API_KEY must be set together", Prefix, Prefix)
	}

	if v := get("JENKINS_DOWNLOAD_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %sJENKINS_DOWNLOAD_CHUNK_SIZE: %q", Prefix, v)
		}
		s.JenkinsDownloadChunkSize = n
	}

	if v := get("API_KEY_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %sAPI_KEY_LENGTH: %q", Prefix, v)
		}
		s.APIKeyLength = n
	}

	var err error
	if s.EnablePurge, err = parseBool(get("ENABLE_PURGE"), false); err != nil {
		return nil, fmt.Errorf("invalid %sENABLE_PURGE: %w", Prefix, err)
	}
	if s.APIKeyEnable, err = parseBool(get("API_KEY_ENABLE"), false); err != nil {
		return nil, fmt.Errorf("invalid %sAPI_KEY_ENABLE: %w", Prefix, err)
	}
	if s.WorkerThreadWait, err = parseBool(get("WORKER_THREAD_WAIT"), false); err != nil {
		return nil, fmt.Errorf("invalid %sWORKER_THREAD_WAIT: %w", Prefix, err)
	}

	if s.APIKeyEnable {
		raw := get("API_KEY_KEY")
		if raw == "" {
			return nil, fmt.Errorf("required setting missing: %sAPI_KEY_KEY", Prefix)
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %sAPI_KEY_KEY: %w", Prefix, err)
		}
		s.APIKeyKey = key
	}

	return s, nil
}

// parseBool accepts the documented boolean grammar, case-insensitively.
func parseBool(v string, fallback bool) (bool, error) {
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(v) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

func getDefault(env map[string]string, key, fallback string) string {
	if v := env[Prefix+key]; v != "" {
		return v
	}
	return fallback
}

// environMap merges .env files (first found wins, never overriding the
// process environment) and returns the combined environment as a map.
func environMap() map[string]string {
	merged := map[string]string{}
	for _, path := range []string{".env", ".env.local"} {
		if fileEnv, err := godotenv.Read(path); err == nil {
			for k, v := range fileEnv {
				merged[k] = v
			}
			break
		}
	}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		merged[k] = v
	}
	return merged
}
