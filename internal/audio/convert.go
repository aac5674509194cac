package audio

// Converter resamples a PCM stream chunk by chunk. Bytes that do not fill
// a whole sample group are held until the next chunk.
// Not safe for concurrent use.
type Converter struct {
	down, up int
	pending  []byte
}

// NewConverter converts inRate PCM to outRate.
func NewConverter(inRate, outRate int) (*Converter, error) {
	down, up, err := Ratio(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return &Converter{down: down, up: up}, nil
}

// Convert returns the converted form of every whole sample group seen so
// far, which may be empty.
func (c *Converter) Convert(chunk []byte) []byte {
	data := append(c.pending, chunk...)
	group := 2 * c.down
	usable := len(data) - len(data)%group
	c.pending = append([]byte(nil), data[usable:]...)
	return Resample(data[:usable], c.down, c.up)
}
