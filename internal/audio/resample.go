// Package audio converts relayed 16-bit PCM for AudioSocket calls.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Ratio reports how from and to relate. Only integer ratios are supported:
// down > 1 averages every down input samples into one, up > 1 interpolates
// up output samples per input sample.
func Ratio(from, to int) (down, up int, err error) {
	if from <= 0 || to <= 0 {
		return 0, 0, fmt.Errorf("invalid sample rates %d -> %d", from, to)
	}
	switch {
	case from == to:
		return 1, 1, nil
	case from%to == 0:
		return from / to, 1, nil
	case to%from == 0:
		return 1, to / from, nil
	}
	return 0, 0, fmt.Errorf("unsupported sample rate conversion %d -> %d", from, to)
}

// Resample converts little-endian 16-bit mono PCM. pcm must hold whole
// groups of down samples; trailing bytes beyond that are ignored.
func Resample(pcm []byte, down, up int) []byte {
	if down == 1 && up == 1 {
		return pcm
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	var out []int16
	if down > 1 {
		out = make([]int16, 0, len(samples)/down)
		for i := 0; i+down <= len(samples); i += down {
			sum := 0
			for _, s := range samples[i : i+down] {
				sum += int(s)
			}
			out = append(out, int16(sum/down))
		}
	} else {
		out = make([]int16, 0, len(samples)*up)
		for i, s := range samples {
			next := s
			if i+1 < len(samples) {
				next = samples[i+1]
			}
			for k := 0; k < up; k++ {
				out = append(out, int16(int(s)+(int(next)-int(s))*k/up))
			}
		}
	}

	buf := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
