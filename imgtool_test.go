package iotests

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")
	require.NoError(t, CreateImage(path, 4*512))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4*512)

	for i := 0; i < 4; i++ {
		sector := data[i*512 : (i+1)*512]
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(sector[0:4]), "sector %d head", i)
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(sector[508:512]), "sector %d tail", i)
		assert.Equal(t, make([]byte, 504), sector[4:508], "sector %d body", i)
	}

	// unlocked but kept
	_, err = os.Stat(path + ".lock")
	assert.NoError(t, err)
	require.NoError(t, CreateImage(path, 512))
}

func TestCreateImageRoundsUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")
	require.NoError(t, CreateImage(path, 513))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
}

// shTools runs script through /bin/sh in place of qemu-img and qemu-io. The
// tool arguments are available as $1, $2, ...
func shTools(script string) *Tools {
	cfg := DefaultConfig()
	cfg.QemuImgProg = "/bin/sh"
	cfg.QemuImgOptions = []string{"-c", script, "qemu-img"}
	cfg.QemuIOProg = "/bin/sh"
	cfg.QemuIOOptions = []string{"-c", script, "qemu-io"}
	return NewTools(cfg)
}

func TestQemuImgExitCode(t *testing.T) {
	code, err := shTools(`exit 3`).QemuImg("check", "x.img")
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	code, err = shTools(`exit 0`).QemuImgVerbose("info", "x.img")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestQemuImgSignal(t *testing.T) {
	code, err := shTools(`kill -9 $$`).QemuImg("check", "x.img")
	require.NoError(t, err)
	assert.Equal(t, -9, code)
}

func TestQemuImgNotFound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QemuImgProg = filepath.Join(t.TempDir(), "missing")
	_, err := NewTools(cfg).QemuImg("info")
	assert.Error(t, err)
}

func TestQemuImgPipe(t *testing.T) {
	out, err := shTools(`echo "$@"; exit 1`).QemuImgPipe("info", "x.img")
	require.NoError(t, err)
	assert.Equal(t, "info x.img\n", out)
}

func TestQemuIO(t *testing.T) {
	out, err := shTools(`printf '%s\n' "$*"`).QemuIO("-c", "read 0 512", "x.img")
	require.NoError(t, err)
	assert.Equal(t, "-c read 0 512 x.img\n", out)
}

func TestCompareImages(t *testing.T) {
	// arguments are compare -f <fmt> -F <fmt> <a> <b>
	tools := shTools(`[ "$1" = compare ] && [ "$3" = raw ] && [ "$6" = "$7" ]`)

	same, err := tools.CompareImages("a.img", "a.img")
	require.NoError(t, err)
	assert.True(t, same)

	same, err = tools.CompareImages("a.img", "b.img")
	require.NoError(t, err)
	assert.False(t, same)
}
