package framework

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapturingLoggerWithPrefix(t *testing.T) {
	var capture CapturingLogger
	logger := LoggerWithPrefix(&capture, "[export] ")
	logger.Printf("polling %s", "http://status/1")

	out := capture.Output()
	if assert.Len(t, out, 1) {
		assert.Equal(t, "[export] polling http://status/1", out[0].Message)
	}

	var buf bytes.Buffer
	out.Dump(&buf, "  DEBUG ")
	assert.True(t, strings.HasPrefix(buf.String(), "  DEBUG ["))
	assert.True(t, strings.HasSuffix(buf.String(), "] [export] polling http://status/1\n"))
}

func TestEmptyCapturedOutputIsNil(t *testing.T) {
	var capture CapturingLogger
	assert.Nil(t, capture.Output())
}

func TestLoggerWithPrefixToleratesNilTarget(t *testing.T) {
	LoggerWithPrefix(nil, "x").Printf("not logged")
}
