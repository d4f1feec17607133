package voice

import (
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog/log"
)

// playback pushes raw S16LE chunks at the device through a single long-lived
// player; feeding one pipe keeps consecutive chunks seamless at the hardware
// level, while the Scheduler tracks when the queue will actually drain.
type playback struct {
	otoContext *oto.Context
	player     *oto.Player
	pipeWriter *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func newPlayback(sampleRate int) (*playback, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}

	// Remember that you should **not** create more than one context.
	log.Info().Int("sample_rate", sampleRate).Msg("setupOtoPlayer - will wait until ready")
	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-readyChan // Wait for the audio hardware to be ready (about 200ms empirically)
	log.Info().Msg("setupOtoPlayer - context ready")

	pipeReader, pipeWriter := io.Pipe()
	player := otoCtx.NewPlayer(pipeReader)
	player.Play()

	return &playback{
		otoContext: otoCtx,
		player:     player,
		pipeWriter: pipeWriter,
	}, nil
}

func (p *playback) enqueue(pcm []byte) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if _, err := p.pipeWriter.Write(pcm); err != nil {
		log.Error().Err(err).Msg("cannot enqueue playback chunk")
	}
}

func (p *playback) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	dbg(p.pipeWriter.Close())
	dbg(p.player.Close())
}
