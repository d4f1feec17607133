package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/petrzlen/speechlink/internal/utils"
	"github.com/petrzlen/speechlink/pkg/audioutil"
)

// convert turns the audio formats the providers hand us (mp3, flac, telephony
// mulaw, raw S16 pcm) into playable wav files, mostly for debugging what a
// session actually streamed.
func main() {
	utils.SetupZerolog()

	inPath := flag.String("in", "", "input file: .mp3, .flac, .ulaw or .pcm")
	outPath := flag.String("out", "", "output .wav path, defaults to the input with a .wav extension")
	sampleRate := flag.Int("rate", 16000, "sample rate for raw .pcm input; .ulaw is always 8000")
	flag.Parse()

	if *inPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *outPath == "" {
		*outPath = strings.TrimSuffix(*inPath, filepath.Ext(*inPath)) + ".wav"
	}

	rawAudioBytes, err := os.ReadFile(*inPath)
	ftl(err)

	var wavData []byte
	switch ext := strings.ToLower(filepath.Ext(*inPath)); ext {
	case ".mp3":
		intBuffer, decodeErr := audioutil.DecodeFromMp3(rawAudioBytes)
		ftl(decodeErr)
		wavData, err = audioutil.EncodeToWav(intBuffer)
	case ".flac":
		intBuffer, decodeErr := audioutil.DecodeFromFlac(rawAudioBytes)
		ftl(decodeErr)
		wavData, err = audioutil.EncodeToWav(intBuffer)
	case ".ulaw", ".mulaw":
		telephonySampleRate := uint32(8000)
		wavData, err = audioutil.ConvertPCM16ToWav(audioutil.DecodeMulawToPCM16(rawAudioBytes), telephonySampleRate, 1)
	case ".pcm", ".raw":
		wavData, err = audioutil.ConvertPCM16ToWav(rawAudioBytes, uint32(*sampleRate), 1)
	default:
		log.Fatal().Msgf("don't know how to convert %q", ext)
	}
	ftl(err)

	ftl(os.WriteFile(*outPath, wavData, 0644))
	fmt.Printf("%s -> %s (%d bytes)\n", *inPath, *outPath, len(wavData))
}

func ftl(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("sth essential failed")
		debug.PrintStack()
	}
}
