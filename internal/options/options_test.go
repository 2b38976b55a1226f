package options

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	m := New()
	m.Add("token", "", "Authentication token.")
	m.Add("command_prefix", "!", "Command prefix.")
	m.Add("verbose", false, "Verbose output.")
	m.Add("retries", 3, "Retry count.")
	m.Add("timeout", 5*time.Second, "Handler timeout.")
	m.Add("log.level", "info", "Logging level.", "debug", "info", "warn", "error")
	return m
}

func TestDefaults(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, "!", m.String("command_prefix"))
	assert.Equal(t, 3, m.Int("retries"))
	assert.False(t, m.Bool("verbose"))
	assert.Equal(t, 5*time.Second, m.Duration("timeout"))
}

func TestSetSpecs(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Set("token=abc", "retries=7", "timeout=250ms"))
	assert.Equal(t, "abc", m.String("token"))
	assert.Equal(t, 7, m.Int("retries"))
	assert.Equal(t, 250*time.Millisecond, m.Duration("timeout"))
}

func TestSetBoolOmittedValue(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Set("verbose"))
	assert.True(t, m.Bool("verbose"))

	require.NoError(t, m.Set("verbose=false"))
	assert.False(t, m.Bool("verbose"))

	require.Error(t, m.Set("verbose=maybe"))
}

func TestSetUnknown(t *testing.T) {
	m := newTestManager()
	err := m.Set("nosuch=1")
	require.Error(t, err)
	var oerr *OptionError
	require.ErrorAs(t, err, &oerr)
}

func TestChoices(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Set("log.level=debug"))
	require.Error(t, m.Set("log.level=loud"))
}

func TestDeferred(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.SetDeferred("assistant.model=compact"))

	// опции ещё нет — значение лежит отложенным
	require.False(t, m.Has("assistant.model"))

	m.Add("assistant.model", "default", "Assistant model.")
	require.NoError(t, m.ProcessDeferred())
	assert.Equal(t, "compact", m.String("assistant.model"))
}

func TestSubscribe(t *testing.T) {
	m := newTestManager()

	var got []string
	require.NoError(t, m.Subscribe(func(updated []string) {
		got = append(got, updated...)
	}, "log.*"))

	require.NoError(t, m.Set("log.level=warn"))
	assert.Equal(t, []string{"log.level"}, got)

	// чужие опции подписчика не трогают
	got = nil
	require.NoError(t, m.Set("retries=1"))
	assert.Empty(t, got)
}

func TestSubscribeUnknownPattern(t *testing.T) {
	m := newTestManager()
	require.Error(t, m.Subscribe(func([]string) {}, "nothing.*"))
	require.Error(t, m.Subscribe(func([]string) {}, "nosuch"))
}

func TestLoadYAML(t *testing.T) {
	m := newTestManager()
	text := []byte("token: abc\nlog:\n  level: error\nretries: 9\nverbose: true\n")
	require.NoError(t, Load(m, text, false))
	assert.Equal(t, "abc", m.String("token"))
	assert.Equal(t, "error", m.String("log.level"))
	assert.Equal(t, 9, m.Int("retries"))
	assert.True(t, m.Bool("verbose"))
}

func TestLoadYAMLUnknownStrict(t *testing.T) {
	m := newTestManager()
	require.Error(t, Load(m, []byte("nosuch: 1\n"), false))
}

func TestLoadYAMLDeferred(t *testing.T) {
	m := newTestManager()
	require.NoError(t, Load(m, []byte("later: hello\n"), true))
	m.Add("later", "", "Added after load.")
	require.NoError(t, m.ProcessDeferred())
	assert.Equal(t, "hello", m.String("later"))
}

func TestLoadYAMLEnvExpansion(t *testing.T) {
	t.Setenv("KOA_TEST_TOKEN", "sekret")
	m := newTestManager()
	require.NoError(t, Load(m, []byte("token: $KOA_TEST_TOKEN\n"), false))
	assert.Equal(t, "sekret", m.String("token"))
}
