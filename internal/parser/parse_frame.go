package parser

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stepbus/stepbus/internal/util"
	"github.com/stepbus/stepbus/pkg/core"
)

// ParseFrame reads one frame in candump notation, "201#06" or
// "100#E8035C1E28230000". Surrounding quotes are ignored. The order key is
// left at zero.
func ParseFrame(s string) (core.Frame, error) {
	s = strings.TrimSpace(util.TrimQuotes(strings.TrimSpace(s)))

	idPart, dataPart, ok := strings.Cut(s, "#")
	if !ok {
		return core.Frame{}, fmt.Errorf("frame %q: missing '#'", s)
	}

	id, err := strconv.ParseUint(idPart, 16, 16)
	if err != nil {
		return core.Frame{}, fmt.Errorf("frame %q: bad id: %w", s, err)
	}
	if id > 0x7FF {
		return core.Frame{}, fmt.Errorf("frame %q: id exceeds 11 bits", s)
	}

	dataPart = strings.ReplaceAll(dataPart, ".", "")
	payload, err := hex.DecodeString(dataPart)
	if err != nil {
		return core.Frame{}, fmt.Errorf("frame %q: bad data: %w", s, err)
	}
	if len(payload) > core.MaxDataLength {
		return core.Frame{}, fmt.Errorf("frame %q: %d data bytes, max %d", s, len(payload), core.MaxDataLength)
	}

	f := core.Frame{ID: uint16(id), DLC: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, nil
}

// ParseFrames reads one frame per line, skipping blank lines and lines
// starting with '#'.
func ParseFrames(r io.Reader) ([]core.Frame, error) {
	var frames []core.Frame
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f, err := ParseFrame(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
