package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/fingerprint"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		fpSources = nil
		fpPrice = 0
		fpQuery = ""
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestFingerprintCmd(t *testing.T) {
	out, err := execute(t, "fingerprint", "--query", "AI trends", "--source", "src_2", "--source", "src_1", "--price", "500")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, fingerprint.Compute("AI trends", []string{"src_1", "src_2"}, 500), got["fingerprint"])
	assert.Equal(t, false, got["free"])
}

func TestFingerprintCmd_RejectsNegativePrice(t *testing.T) {
	_, err := execute(t, "fingerprint", "--query", "q", "--price", "-1")
	assert.Error(t, err)
}

func TestFingerprintCmd_RequiresQuery(t *testing.T) {
	_, err := execute(t, "fingerprint", "--price", "1")
	assert.Error(t, err)
}

func TestDiscoverCmd_InvalidURLReportedPerResult(t *testing.T) {
	out, err := execute(t, "discover", "ftp://example.com/file")
	require.NoError(t, err)

	var results []struct {
		URL   string `json:"url"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "INVALID_REQUEST", results[0].Error.Code)
}

func TestDiscoverCmd_RequiresArgs(t *testing.T) {
	_, err := execute(t, "discover")
	assert.Error(t, err)
}

func TestOffersCmd_InvalidURL(t *testing.T) {
	_, err := execute(t, "offers", "not a url")
	assert.Error(t, err)
}
