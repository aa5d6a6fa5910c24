package tun

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type buffer struct {
	bytes.Buffer
	writes int
}

func (b *buffer) Write(p []byte) (int, error) {
	b.writes++
	return b.Buffer.Write(p)
}

func (b *buffer) Close() error { return nil }

func TestWritePacketSerializes(t *testing.T) {
	buf := &buffer{}
	d := Wrap("test0", buf)
	require.Equal(t, "test0", d.Name())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, d.WritePacket([]byte("packet")))
		}()
	}
	wg.Wait()
	require.Equal(t, 8, buf.writes)
	require.Equal(t, 48, buf.Len())
	var _ io.ReadWriteCloser = d
}
