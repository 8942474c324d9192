package mux

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/magixtical/video/internal/pipeline/encode"
)

func TestNetworkMuxerWriteHeaderFailsWhenUnreachable(t *testing.T) {
	m := NewNetworkMuxer(NetworkMuxerConfig{
		Address:     "127.0.0.1:1", // nothing listens here
		DialTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, m.Open())
	require.Error(t, m.WriteHeader())
}

func TestNetworkMuxerRejectsPacketBeforeHeader(t *testing.T) {
	m := NewNetworkMuxer(NetworkMuxerConfig{Address: "127.0.0.1:1"})
	err := m.WritePacket(encode.EncodedPacket{Data: []byte{1}, StreamKind: encode.StreamKindVideo})
	require.Error(t, err)
}

func TestNetworkMuxerDialsWritesAndCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				received <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	m := NewNetworkMuxer(NetworkMuxerConfig{Address: ln.Addr().String(), DialTimeout: time.Second})
	require.NoError(t, m.Open())
	require.NoError(t, m.WriteHeader())

	videoAU := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}
	require.NoError(t, m.WritePacket(encode.EncodedPacket{
		Data: videoAU, PTS: 1000, DTS: 1000, StreamKind: encode.StreamKindVideo, IsKeyframe: true,
	}))

	select {
	case chunk := <-received:
		require.NotEmpty(t, chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PAT/PMT bytes on the wire")
	}

	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())
}
