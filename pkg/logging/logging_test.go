package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitDoesNotPanic(t *testing.T) {
	Init(false, false)
	L().Info().Msg("json info")
	L().Debug().Msg("json debug, suppressed at info level")

	Init(true, false)
	L().Debug().Msg("json debug, visible")

	Init(false, true)
	L().Info().Msg("pretty info")

	// reset for other tests
	Init(false, false)
}

func TestWithPhase(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))

	log := WithPhase("import")
	log.Info().Msg("test message")

	if !bytes.Contains(buf.Bytes(), []byte(`"phase":"import"`)) {
		t.Errorf("expected phase field in output, got: %s", buf.String())
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).With().Str("custom", "field").Logger())

	L().Info().Msg("test")

	if !bytes.Contains(buf.Bytes(), []byte(`"custom":"field"`)) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}

	Init(false, false)
}

func TestPrettyModeToggles(t *testing.T) {
	Init(false, true)
	if !IsPrettyMode() {
		t.Error("IsPrettyMode() = false after pretty Init")
	}
	Init(false, false)
	if IsPrettyMode() {
		t.Error("IsPrettyMode() = true after plain Init")
	}
}
