package wire

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPairFDs() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func socketpair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := unixSocketpair()
	require.NoError(t, err)
	ca, err := New(a)
	require.NoError(t, err)
	cb, err := New(b)
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close(); cb.Close() })
	return ca, cb
}

func TestArrayRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	cases := [][]string{
		{"hello"},
		{"spawn_application", "/app/rack", "true", "nobody", "production", "smart", "rack"},
		{""},
		{"a", "", "b"},
	}
	for _, args := range cases {
		require.NoError(t, a.WriteArray(args...))
		got, ok, err := b.ReadArray()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, args, got)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	payloads := [][]byte{
		[]byte("<html>error</html>"),
		{},
		[]byte{0, 1, 2, 3, 0xff},
	}
	for _, p := range payloads {
		require.NoError(t, a.WriteScalar(p))
		got, ok, err := b.ReadScalar()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, p, got)
	}
}

func TestReadArrayCleanEOF(t *testing.T) {
	a, b := socketpair(t)
	require.NoError(t, a.Close())

	_, ok, err := b.ReadArray()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFileDescriptorRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, a.WriteFileDescriptor(int(w.Fd())))

	gotFD, err := b.ReadFileDescriptor()
	require.NoError(t, err)
	received := os.NewFile(uintptr(gotFD), "received")
	defer received.Close()

	msg := []byte("hello through the passed fd")
	n, err := received.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}

func TestEmptyArrayRejected(t *testing.T) {
	a, _ := socketpair(t)
	err := a.WriteArray()
	assert.Error(t, err)
}

func unixSocketpair() (net.Conn, net.Conn, error) {
	a, b, err := socketPairFDs()
	if err != nil {
		return nil, nil, err
	}
	fa := os.NewFile(uintptr(a), "sp-a")
	fb := os.NewFile(uintptr(b), "sp-b")
	ca, err := net.FileConn(fa)
	if err != nil {
		return nil, nil, err
	}
	fa.Close()
	cb, err := net.FileConn(fb)
	if err != nil {
		ca.Close()
		return nil, nil, err
	}
	fb.Close()
	return ca, cb, nil
}
