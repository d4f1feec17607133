package audioutil

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// DecodeFromMp3 decodes a whole mp3 blob into an IntBuffer ready for playback.
// go-mp3 always outputs 16-bit stereo at the source sample rate.
func DecodeFromMp3(rawAudioBytes []byte) (*audio.IntBuffer, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(rawAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("cannot create mp3 decoder %w", err)
	}

	pcmBytes, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("cannot decode mp3 stream %w", err)
	}

	return &audio.IntBuffer{
		Data: twoByteDataToIntSlice(pcmBytes),
		Format: &audio.Format{
			SampleRate:  decoder.SampleRate(),
			NumChannels: 2,
		},
		SourceBitDepth: 16,
	}, nil
}

// DecodeFromFlac decodes a whole flac blob into an IntBuffer ready for playback.
func DecodeFromFlac(rawAudioBytes []byte) (*audio.IntBuffer, error) {
	stream, err := flac.New(bytes.NewReader(rawAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("cannot create flac decoder %w", err)
	}
	defer func() { dbg(stream.Close()) }()

	numChannels := int(stream.Info.NChannels)
	var intData []int
	for {
		frame, parseErr := stream.ParseNext()
		if parseErr == io.EOF {
			break
		}
		if parseErr != nil {
			return nil, fmt.Errorf("cannot parse flac frame %w", parseErr)
		}
		// Interleave the per-channel subframes.
		for i := 0; i < int(frame.BlockSize); i++ {
			for _, subframe := range frame.Subframes {
				intData = append(intData, int(subframe.Samples[i]))
			}
		}
	}

	return &audio.IntBuffer{
		Data: intData,
		Format: &audio.Format{
			SampleRate:  int(stream.Info.SampleRate),
			NumChannels: numChannels,
		},
		SourceBitDepth: int(stream.Info.BitsPerSample),
	}, nil
}
