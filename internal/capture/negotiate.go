package capture

import "github.com/alxayo/go-capture/internal/frame"

// negotiateAudio asks src to resolve want against its supported codecs.
// Only one audio format is supported across all paths (spec §4.H): the
// first call to negotiate wins and is cached by the orchestrator.
func negotiateAudio(src AudioSource, want frame.AudioInfo) (frame.AudioInfo, error) {
	if src == nil || !want.HasCodec() {
		return frame.AudioInfo{}, nil
	}
	return src.Negotiate(want)
}

// negotiateVideo is the video-stream counterpart of negotiateAudio.
func negotiateVideo(src VideoSource, want frame.VideoInfo) (frame.VideoInfo, error) {
	if src == nil || !want.HasCodec() {
		return frame.VideoInfo{}, nil
	}
	return src.Negotiate(want)
}

// defaultAudioSamplesPerFrame returns the sample count for a 20ms frame
// at rate, the default audio frame size spec §4.E names.
func defaultAudioSamplesPerFrame(sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return sampleRate / 50 // 20ms worth of samples
}

// bytesPerAudioFrame derives the PCM byte size of one frame from the
// negotiated format and the sample count it carries.
func bytesPerAudioFrame(info frame.AudioInfo, samplesPerFrame int) int {
	bytesPerSample := info.BitsPerSample / 8
	if bytesPerSample <= 0 {
		bytesPerSample = 2
	}
	return samplesPerFrame * info.Channels * bytesPerSample
}

// audioPTS computes the presentation timestamp, in milliseconds, of the
// frameIndex-th audio frame (spec §3): floor(frame_index * samples_per_frame * 1000 / sample_rate).
func audioPTS(frameIndex uint64, samplesPerFrame, sampleRate int) uint32 {
	if sampleRate <= 0 {
		return 0
	}
	return uint32(frameIndex * uint64(samplesPerFrame) * 1000 / uint64(sampleRate))
}

// videoPTS computes the presentation timestamp, in milliseconds, of the
// frameIndex-th video frame (spec §3): floor(frame_index * 1000 / fps).
func videoPTS(frameIndex uint64, fps int) uint32 {
	if fps <= 0 {
		return 0
	}
	return uint32(frameIndex * 1000 / uint64(fps))
}
