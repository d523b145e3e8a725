package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyaser-maps-downloader/internal/events"
)

func magicPipeline(t *testing.T) *Pipeline {
	return New(testConfig(t), testLogger(), events.NewRecorder(), &fakeEngine{rpc: &fakeRPC{}}, newFakeExtractor())
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestMagicZipHeaderPasses(t *testing.T) {
	p := magicPipeline(t)
	// Exactly 10 bytes starting with the ZIP signature.
	data := []byte{0x50, 0x4B, 0x03, 0x04, 0x14, 0x00, 0x00, 0x00, 0x08, 0x00}
	assert.True(t, p.checkArchiveMagic(writeTemp(t, "a.zip", data)))
}

func TestMagicGzipAndSevenZipPass(t *testing.T) {
	p := magicPipeline(t)

	gz := append([]byte{0x1F, 0x8B}, make([]byte, 8)...)
	assert.True(t, p.checkArchiveMagic(writeTemp(t, "a.gz", gz)))

	sevenZ := append([]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, make([]byte, 4)...)
	assert.True(t, p.checkArchiveMagic(writeTemp(t, "a.7z", sevenZ)))
}

func TestMagicUnknownSignatureAccepted(t *testing.T) {
	p := magicPipeline(t)
	// Deliberate leniency: the downloader may produce formats outside the
	// table, so an unknown signature must not fail the download.
	data := []byte("this is not an archive at all")
	assert.True(t, p.checkArchiveMagic(writeTemp(t, "weird.bin", data)))
}

func TestMagicShortFileAccepted(t *testing.T) {
	p := magicPipeline(t)
	assert.True(t, p.checkArchiveMagic(writeTemp(t, "tiny.bin", []byte{0x01, 0x02})))
}

func TestMagicMissingFileAcceptedAfterRetries(t *testing.T) {
	p := magicPipeline(t)
	assert.True(t, p.checkArchiveMagic(filepath.Join(t.TempDir(), "does-not-exist")),
		"unreadable files are accepted; a held file handle must not fail a good download")
}
