// TLDR; Go itself cannot work with microphones well
// BUT it can bind with C-libraries which can do this with a bit of black-magic.
package voice

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/audioutil"
)

// Capture is fixed at 16kHz mono S16; every recognition provider we feed wants
// exactly that, so resampling happens nowhere.
const CaptureSampleRate uint32 = 16000
const CaptureChannels uint32 = 1

// capture owns the microphone handle; frames flow out through the sink callback
// unless the agent-speaking flag mutes them.
type capture struct {
	device       *malgo.Device
	malgoContext *malgo.AllocatedContext

	muted atomic.Bool

	// sink receives S16LE frames; meter (optional) receives the frame's RMS level.
	sink  func(frame []byte)
	meter func(level float64)
}

func newCapture(sink func(frame []byte), meter func(level float64)) (*capture, error) {
	log.Info().Msg("malgo init context (miniaudio)")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Msg(strings.Replace("malgo devices: "+message, "\n", "", -1))
	})
	if err != nil {
		return nil, fmt.Errorf("cannot init malgo context %w", err)
	}

	return &capture{
		malgoContext: ctx,
		sink:         sink,
		meter:        meter,
	}, nil
}

func (c *capture) start() (err error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = CaptureChannels
	deviceConfig.SampleRate = CaptureSampleRate
	deviceConfig.Alsa.NoMMap = 1

	sizeInBytes := uint32(malgo.SampleSizeInBytes(deviceConfig.Capture.Format))
	if sizeInBytes != 2 {
		log.Fatal().Uint32("size_in_bytes", sizeInBytes).Msg("expected 2 bytes per S16 sample")
	}

	onRecvFrames := func(pSample2, pSample []byte, framecount uint32) {
		// Empirically triggered about every 10ms.
		if len(pSample) == 0 {
			return
		}
		if c.meter != nil {
			c.meter(audioutil.RMS(pSample))
		}
		if c.muted.Load() {
			// Agent is speaking; do not re-capture its own voice as user speech.
			return
		}
		frame := make([]byte, len(pSample))
		copy(frame, pSample)
		c.sink(frame)
	}

	c.device, err = malgo.InitDevice(c.malgoContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return fmt.Errorf("cannot init malgo device with config %v: %w", deviceConfig, err)
	}

	log.Info().Msg("malgo START recording...")
	if err = c.device.Start(); err != nil {
		return fmt.Errorf("cannot start malgo device %w", err)
	}
	return nil
}

func (c *capture) setMuted(muted bool) {
	c.muted.Store(muted)
}

func (c *capture) stop() {
	if c.device != nil {
		log.Info().Msg("malgo STOP recording")
		dbg(c.device.Stop())
		c.device.Uninit()
		c.device = nil
	}
	if c.malgoContext != nil {
		dbg(c.malgoContext.Uninit())
		c.malgoContext.Free()
		c.malgoContext = nil
	}
}

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}
