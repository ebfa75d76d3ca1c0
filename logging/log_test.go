package logging

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestCustomOutputForApplicationLog(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf})
	msg := "Hello, world!"
	log.Info(msg)
	if !strings.Contains(buf.String(), msg) {
		t.Error("failed to use custom output")
	}
}

func TestCustomPrefixForApplicationLog(t *testing.T) {
	var buf bytes.Buffer
	prefix := "[TEST_PREFIX]"
	Init(Options{
		ApplicationLogOutput: &buf,
		ApplicationLogPrefix: prefix})
	log.Info("Hello, world!")
	got := buf.String()
	if !strings.HasPrefix(got, "[TEST_PREFIX]") || !strings.Contains(got, "Hello, world!") {
		t.Error("failed to use custom prefix")
	}
}

func TestJSONApplicationLog(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{
		ApplicationLogOutput:      &buf,
		ApplicationLogJSONEnabled: true})
	log.Info("Hello, world!")
	got := buf.String()
	if !strings.HasPrefix(got, "{") || !strings.Contains(got, `"msg":"Hello, world!"`) {
		t.Errorf("failed to log in JSON format, got %q", got)
	}
}
