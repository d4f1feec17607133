package audioutil

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}

// ConvertPCM16ToWav wraps raw S16LE samples into a WAV container,
// e.g. before shipping a recognition payload to Whisper.
func ConvertPCM16ToWav(byteData []byte, sampleRate uint32, numChannels uint32) (result []byte, err error) {
	inputBuffer := &audio.IntBuffer{
		Data: twoByteDataToIntSlice(byteData),
		Format: &audio.Format{
			SampleRate:  int(sampleRate),
			NumChannels: int(numChannels),
		},
		SourceBitDepth: 16,
	}

	pcmAudioFormat := 1
	return encodeIntSamplesToWav(inputBuffer, sampleRate, numChannels, pcmAudioFormat)
}

// EncodeToWav wraps an already-decoded sample buffer, keeping its own rate
// and channel layout.
func EncodeToWav(inputBuffer *audio.IntBuffer) ([]byte, error) {
	pcmAudioFormat := 1
	return encodeIntSamplesToWav(inputBuffer,
		uint32(inputBuffer.Format.SampleRate), uint32(inputBuffer.Format.NumChannels), pcmAudioFormat)
}

func encodeIntSamplesToWav(inputBuffer *audio.IntBuffer, sampleRate uint32, numChannels uint32, audioFormat int) (result []byte, err error) {
	if len(inputBuffer.Data) == 0 {
		return // Nothing to do
	}

	// In-memory file to satisfy the io.WriteSeeker wav.NewEncoder needs for header fixups.
	fs := afero.NewMemMapFs()
	inMemoryFilename := "in-memory-output.wav"
	inMemoryFile, err := fs.Create(inMemoryFilename)
	dbg(err)

	outputBitDepth := 16
	wavEncoder := wav.NewEncoder(inMemoryFile, int(sampleRate), outputBitDepth, int(numChannels), audioFormat)
	if err = wavEncoder.Write(inputBuffer); err != nil {
		err = fmt.Errorf("cannot encode byte output as wav %w", err)
		return
	}

	// Close flushes remaining data and finalizes the WAV header.
	if err = wavEncoder.Close(); err != nil {
		err = fmt.Errorf("cannot finish wav encoding %w", err)
		return
	}

	dbg(inMemoryFile.Close())
	inMemoryFileReopen, err := fs.Open(inMemoryFilename)
	dbg(err)
	result, err = io.ReadAll(inMemoryFileReopen)
	dbg(err)
	if err == nil && len(result) == 0 {
		err = fmt.Errorf("wav output is empty when input was not")
		return
	}
	return
}
