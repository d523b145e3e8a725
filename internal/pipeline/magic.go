package pipeline

import (
	"io"
	"os"
	"time"

	"github.com/h2non/filetype"
)

const magicProbeLength = 10

// checkArchiveMagic sniffs the first bytes of the downloaded file against
// the supported archive signatures (zip, gzip, 7z). The check is
// deliberately lenient: unknown signatures are accepted (the downloader may
// produce formats outside the table), files shorter than the probe are
// accepted, and read failures are retried and then accepted — a handle still
// held by aria2c must not fail an otherwise good download. The extractor's
// verify pass is the real gatekeeper.
func (p *Pipeline) checkArchiveMagic(filePath string) bool {
	buf := make([]byte, magicProbeLength)

	for attempt := 0; attempt < p.cfg.MagicRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.cfg.MagicRetryInterval)
		}

		f, err := os.Open(filePath)
		if err != nil {
			p.log.Warn("magic check: could not open file", "attempt", attempt+1, "error", err)
			continue
		}
		n, err := io.ReadFull(f, buf)
		f.Close()

		if err == io.ErrUnexpectedEOF || err == io.EOF || n < magicProbeLength {
			p.log.Info("magic check: file shorter than probe, accepting", "file", filePath)
			return true
		}
		if err != nil {
			p.log.Warn("magic check: read failed", "attempt", attempt+1, "error", err)
			continue
		}

		if filetype.Is(buf, "zip") || filetype.Is(buf, "gz") || filetype.Is(buf, "7z") {
			p.log.Info("magic check passed", "file", filePath)
		} else {
			p.log.Warn("magic check: unknown signature, accepting anyway", "file", filePath)
		}
		return true
	}

	p.log.Warn("magic check: could not read file after retries, accepting", "file", filePath)
	return true
}
