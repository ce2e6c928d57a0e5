package settings

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		Prefix + "JENKINS_BASE_URL": "https://jenkins.invalid",
		Prefix + "STORAGE_PATH":     "/var/lib/gbp",
		Prefix + "RECORDS_BACKEND":  "sqlite",
		Prefix + "WORKER_BACKEND":   "sync",
	}
}

func TestFromMap_Defaults(t *testing.T) {
	s, err := FromMap(baseEnv())
	require.NoError(t, err)
	require.Equal(t, "build.tar.gz", s.JenkinsArtifactName)
	require.Equal(t, DefaultChunkSize, s.JenkinsDownloadChunkSize)
	require.Equal(t, 32, s.APIKeyLength)
	require.False(t, s.EnablePurge)
	require.False(t, s.APIKeyEnable)
	require.Equal(t, ":9090", s.PrometheusAddr)
}

func TestFromMap_MissingRequired(t *testing.T) {
	env := baseEnv()
	delete(env, Prefix+"STORAGE_PATH")
	_, err := FromMap(env)
	require.ErrorContains(t, err, "STORAGE_PATH")
}

func TestFromMap_JenkinsAuthPairing(t *testing.T) {
	env := baseEnv()
	env[Prefix+"JENKINS_USER"] = "jenkins"
	_, err := FromMap(env)
	require.Error(t, err)

	env[Prefix+"JENKINS_API_KEY"] = "s3kr1t"
	s, err := FromMap(env)
	require.NoError(t, err)
	require.Equal(t, "jenkins", s.JenkinsUser)
}

func TestFromMap_BoolGrammar(t *testing.T) {
	truthy := []string{"1", "t", "TRUE", "y", "Yes", "on"}
	falsy := []string{"0", "f", "False", "n", "NO", "off"}

	for _, v := range truthy {
		env := baseEnv()
		env[Prefix+"ENABLE_PURGE"] = v
		s, err := FromMap(env)
		require.NoError(t, err, "value=%q", v)
		require.True(t, s.EnablePurge, "value=%q", v)
	}
	for _, v := range falsy {
		env := baseEnv()
		env[Prefix+"ENABLE_PURGE"] = v
		s, err := FromMap(env)
		require.NoError(t, err, "value=%q", v)
		require.False(t, s.EnablePurge, "value=%q", v)
	}

	env := baseEnv()
	env[Prefix+"ENABLE_PURGE"] = "maybe"
	_, err := FromMap(env)
	require.Error(t, err)
}

func TestFromMap_APIKey(t *testing.T) {
	env := baseEnv()
	env[Prefix+"API_KEY_ENABLE"] = "yes"
	_, err := FromMap(env)
	require.ErrorContains(t, err, "API_KEY_KEY")

	env[Prefix+"API_KEY_KEY"] = base64.StdEncoding.EncodeToString(make([]byte, 32))
	s, err := FromMap(env)
	require.NoError(t, err)
	require.True(t, s.APIKeyEnable)
	require.Len(t, s.APIKeyKey, 32)

	env[Prefix+"API_KEY_KEY"] = "*** not base64 ***"
	_, err = FromMap(env)
	require.Error(t, err)
}

func TestFromMap_ChunkSize(t *testing.T) {
	env := baseEnv()
	env[Prefix+"JENKINS_DOWNLOAD_CHUNK_SIZE"] = "4096"
	s, err := FromMap(env)
	require.NoError(t, err)
	require.Equal(t, 4096, s.JenkinsDownloadChunkSize)

	env[Prefix+"JENKINS_DOWNLOAD_CHUNK_SIZE"] = "-1"
	_, err = FromMap(env)
	require.Error(t, err)
}
