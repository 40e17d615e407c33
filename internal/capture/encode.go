package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	log "log/slog"
	"os/exec"
	"time"

	"bloom/pkg/audioconv"
)

// minClipBytes rejects encoded clips too small to carry speech. A tap that
// barely opens the mic produces a container header and little else.
const minClipBytes = 1024

// Encoder turns captured mono PCM into an upload container.
type Encoder interface {
	Encode(pcm []float32, sampleRate int) (data []byte, ext string, err error)
}

// NewEncoder picks the best available encoder: Ogg/Opus through ffmpeg when
// it is installed, plain WAV otherwise. The backend accepts both; Opus is
// roughly a tenth of the upload size.
func NewEncoder() Encoder {
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		return opusEncoder{}
	}
	log.Warn("ffmpeg not found, uploading uncompressed wav")
	return wavEncoder{}
}

type wavEncoder struct{}

func (wavEncoder) Encode(pcm []float32, sampleRate int) ([]byte, string, error) {
	data, err := audioconv.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return nil, "", err
	}
	return data, "wav", nil
}

type opusEncoder struct{}

// Encode pipes raw PCM through ffmpeg into an Ogg/Opus container.
func (opusEncoder) Encode(pcm []float32, sampleRate int) ([]byte, string, error) {
	raw := new(bytes.Buffer)
	raw.Grow(len(pcm) * 4)
	if err := binary.Write(raw, binary.LittleEndian, pcm); err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "f32le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-b:a", "24k",
		"-f", "ogg",
		"pipe:1",
	)
	cmd.Stdin = raw

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		// ffmpeg present but broken (missing libopus, killed, ...):
		// fall back to wav rather than losing the take.
		log.Warn("ffmpeg encode failed, falling back to wav", "err", err, "stderr", errBuf.String())
		return wavEncoder{}.Encode(pcm, sampleRate)
	}
	return out.Bytes(), "ogg", nil
}
