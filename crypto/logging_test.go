package crypto

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	l := NewLogger("DerivePSK")
	assert.Equal(t, logrus.Fields{"function": "DerivePSK", "package": "crypto"}, l.Fields())

	l = NewPackageLogger("keystore", "RotatePassphrase")
	assert.Equal(t, "keystore", l.Fields()["package"])
}

func TestLoggerHelperFields(t *testing.T) {
	l := NewLogger("f").
		WithField("salt_len", 32).
		WithFields(logrus.Fields{"a": 1, "b": 2}).
		WithError(errors.New("boom"), "kdf", "derive")

	fields := l.Fields()
	assert.Equal(t, 32, fields["salt_len"])
	assert.Equal(t, 2, fields["b"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "kdf", fields["error_type"])
	assert.Equal(t, "derive", fields["operation"])

	fields["salt_len"] = 0
	assert.Equal(t, 32, l.Fields()["salt_len"], "Fields returns a copy")
}

func TestLoggerHelperLevels(t *testing.T) {
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.InfoLevel)
	defer func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{})
		logrus.SetLevel(level)
	}()

	l := NewLogger("f")
	l.Debug("quiet")
	l.Info("informed")
	l.Warn("warned")
	l.Error("failed")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, `"msg":"informed"`)
	assert.Contains(t, out, `"level":"warning"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"function":"f"`)
}
