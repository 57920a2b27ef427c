package media

// FrameSource produces fixed-size µ-law frames for a paced sender.
type FrameSource interface {
	// ReadFrame fills frame with the next samples. It returns false once the
	// source is exhausted.
	ReadFrame(frame []byte) bool
}
