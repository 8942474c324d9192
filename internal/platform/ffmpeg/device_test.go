package ffmpeg

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScreenInputFormatMatchesRuntimeGOOS(t *testing.T) {
	got := screenInputFormat()
	switch runtime.GOOS {
	case "windows":
		require.Equal(t, "gdigrab", got)
	case "darwin":
		require.Equal(t, "avfoundation", got)
	default:
		require.Equal(t, "x11grab", got)
	}
}

func TestLoopbackInputFormatMatchesRuntimeGOOS(t *testing.T) {
	got := loopbackInputFormat()
	switch runtime.GOOS {
	case "windows":
		require.Equal(t, "dshow", got)
	case "darwin":
		require.Equal(t, "avfoundation", got)
	default:
		require.Equal(t, "pulse", got)
	}
}
