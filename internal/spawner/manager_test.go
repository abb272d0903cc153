package spawner

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/wire"
)

// TestMain re-execs the test binary itself as the fake spawn server
// when GO_WANT_HELPER_PROCESS is set, mirroring the pattern used by
// the standard library's os/exec tests.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeSpawnServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeSpawnServer() {
	f := os.NewFile(3, "control")
	conn, err := net.FileConn(f)
	if err != nil {
		os.Exit(1)
	}
	ch, err := wire.New(conn)
	if err != nil {
		os.Exit(1)
	}

	for {
		args, ok, err := ch.ReadArray()
		if err != nil || !ok {
			return
		}

		switch args[0] {
		case "spawn_application":
			appRoot := args[1]

			if appRoot == "/apps/failing" {
				_ = ch.WriteArray("error_page")
				_ = ch.WriteScalar([]byte("<html>boom</html>"))
				continue
			}

			_ = ch.WriteArray("ok")
			_ = ch.WriteArray(strconv.Itoa(os.Getpid()), "/tmp/fake.sock", "false")
			r, w, err := os.Pipe()
			if err != nil {
				os.Exit(1)
			}
			_ = ch.WriteFileDescriptor(int(w.Fd()))
			w.Close()
			r.Close()
		case "reload":
			// no reply expected
		default:
			return
		}
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log := logrus.NewEntry(logrus.StandardLogger())
	m := NewManager(os.Args[0], []string{"-test.run=TestMain"}, false, "", log)
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() {
		os.Unsetenv("GO_WANT_HELPER_PROCESS")
		m.Close()
	})
	return m
}

func TestSpawnSuccess(t *testing.T) {
	m := newTestManager(t)

	opts := &Options{AppRoot: "/apps/ok", Environment: "production"}
	inst, err := m.Spawn(opts)
	require.NoError(t, err)
	assert.NotZero(t, inst.PID)
	assert.Equal(t, "/tmp/fake.sock", inst.ListenerAddress)
	assert.False(t, inst.UsingAbstractNamespace)
	assert.NotZero(t, m.Pid())
}

func TestSpawnErrorPage(t *testing.T) {
	m := newTestManager(t)

	opts := &Options{AppRoot: "/apps/failing", Environment: "production"}
	_, err := m.Spawn(opts)
	require.Error(t, err)
	assert.True(t, perrors.IsSpawnError(err))

	var se *perrors.SpawnError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.HTML, "boom")
}

func TestReload(t *testing.T) {
	m := newTestManager(t)

	opts := &Options{AppRoot: "/apps/ok", Environment: "production"}
	_, err := m.Spawn(opts)
	require.NoError(t, err)

	require.NoError(t, m.Reload("/apps/ok"))
}
