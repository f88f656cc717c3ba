package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/polisai/polis-guard/pkg/domain"
)

// SafeReadLine reads one line of at most max bytes from r. The terminating
// newline is consumed but neither returned nor counted. A longer line fails
// with an availability error instead of being truncated. Reads go one byte at
// a time so nothing past the newline is consumed.
func (v *Validator) SafeReadLine(r io.Reader, max int) (string, error) {
	if max <= 0 {
		return "", v.fail(context.Background(), domain.KindConfiguration, ReasonInvalidLimit, "readline", "",
			"Invalid input", fmt.Sprintf("max bytes must be positive, got %d", max))
	}

	br, ok := r.(io.ByteReader)
	if !ok {
		br = &singleByteReader{r: r}
	}

	var line bytes.Buffer
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line.Len() == 0 {
					return "", io.EOF
				}
				return line.String(), nil
			}
			verr := v.fail(context.Background(), domain.KindAvailability, ReasonReadFailed, "readline", "",
				"Invalid input", fmt.Sprintf("read failed after %d bytes", line.Len()))
			verr.Err = err
			return "", verr
		}
		if b == '\n' {
			return line.String(), nil
		}
		if line.Len() >= max {
			return "", v.fail(context.Background(), domain.KindAvailability, ReasonReadLimit, "readline", "",
				"Invalid input", fmt.Sprintf("line exceeds %d bytes", max))
		}
		line.WriteByte(b)
	}
}

// maxEmptyReads matches bufio's bound on reads returning (0, nil).
const maxEmptyReads = 100

type singleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *singleByteReader) ReadByte() (byte, error) {
	for range maxEmptyReads {
		n, err := s.r.Read(s.buf[:])
		if n == 1 {
			return s.buf[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.ErrNoProgress
}
