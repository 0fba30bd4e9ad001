package omni

import (
	"bufio"
	"bytes"
)

// defaultMaxFrameSize bounds how many bytes are buffered while waiting for
// a frame delimiter.
const defaultMaxFrameSize = 512

// SplitFrames returns a bufio.SplitFunc that yields one token per '#'
// delimited frame. The delimiter is not part of the token.
//
// A run of maxSize bytes without a delimiter is emitted as a token on its
// own; it will fail to decode, which keeps the session alive while bounding
// memory. Whitespace-only tokens (such as the newline between frames) are
// skipped.
func SplitFrames(maxSize int) bufio.SplitFunc {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		for {
			if len(data) == 0 {
				return advance, nil, nil
			}

			if i := bytes.IndexByte(data, frameEnd); i >= 0 {
				if i >= maxSize {
					return advance + maxSize, data[:maxSize], nil
				}
				frame := data[:i]
				if len(bytes.TrimSpace(frame)) == 0 {
					advance += i + 1
					data = data[i+1:]
					continue
				}
				return advance + i + 1, frame, nil
			}

			if len(data) >= maxSize {
				return advance + maxSize, data[:maxSize], nil
			}

			if atEOF {
				if len(bytes.TrimSpace(data)) == 0 {
					return advance + len(data), nil, nil
				}
				return advance + len(data), data, nil
			}

			// Need more data.
			return advance, nil, nil
		}
	}
}
