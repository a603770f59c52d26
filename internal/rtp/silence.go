package rtp

// nearSilenceMin is the lowest u-law byte value treated as near-silence.
// 0xFC..0xFF encode the smallest amplitudes around zero.
const nearSilenceMin = 0xFC

// nearSilenceRatio is the fraction of near-silent bytes above which a
// frame is rewritten as pure silence.
const nearSilenceRatio = 0.9

// CleanFrame replaces a mostly-silent u-law frame with pure silence in
// place. Low-amplitude background noise otherwise trips the server-side
// VAD. Returns true if the frame was rewritten.
func CleanFrame(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	quiet := 0
	for _, b := range frame {
		if b >= nearSilenceMin {
			quiet++
		}
	}
	if float64(quiet) <= nearSilenceRatio*float64(len(frame)) {
		return false
	}
	for i := range frame {
		frame[i] = ULawSilence
	}
	return true
}

// SilenceFrame returns a fresh 20ms u-law silence frame.
func SilenceFrame() []byte {
	frame := make([]byte, FrameBytes)
	for i := range frame {
		frame[i] = ULawSilence
	}
	return frame
}
