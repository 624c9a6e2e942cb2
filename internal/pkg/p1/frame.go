package p1

import (
	"errors"
	"regexp"
	"strings"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

var (
	ErrEmptyTelegram   = errors.New("received empty datagram")
	ErrCorruptTelegram = errors.New("received corrupt datagrams")
	ErrImplausible     = errors.New("implausible datagram")

	crcLine    = regexp.MustCompile(`^![0-9A-F]{4}$`)
	crcTrailer = regexp.MustCompile(`(?m)^![0-9A-F]{4}\r?$`)
)

// splitTelegrams cuts chunk before every line that starts with '/'. Text
// ahead of the first such line is kept as its own segment.
func splitTelegrams(chunk string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(chunk); i++ {
		if chunk[i] != '/' || (i > 0 && chunk[i-1] != '\n' && chunk[i-1] != '\r') {
			continue
		}
		if i > start {
			segments = append(segments, chunk[start:i])
		}
		start = i
	}
	if start < len(chunk) {
		segments = append(segments, chunk[start:])
	}
	return segments
}

func validTelegram(segment string) bool {
	lines := strings.Split(strings.ReplaceAll(segment, "\r", ""), "\n")
	if len(lines) < 2 || lines[1] != "" {
		return false
	}
	nonEmpty := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	if len(nonEmpty) < 2 {
		return false
	}
	return strings.HasPrefix(nonEmpty[0], "/") && crcLine.MatchString(nonEmpty[len(nonEmpty)-1])
}

// Frame returns the last well formed telegram in chunk. Earlier telegrams
// in the same chunk are stale and dropped.
func Frame(chunk string) (string, error) {
	segments := splitTelegrams(chunk)
	if len(segments) == 0 {
		return "", &model.ProtocolError{Op: "frame telegram", Raw: chunk, Err: ErrEmptyTelegram}
	}
	for i := len(segments) - 1; i >= 0; i-- {
		if validTelegram(segments[i]) {
			return segments[i], nil
		}
	}
	return "", &model.ProtocolError{Op: "frame telegram", Raw: chunk, Err: ErrCorruptTelegram}
}

// trailerEnd returns the offset just past the last CRC trailer line in buf,
// or -1 when buf holds no complete telegram yet.
func trailerEnd(buf []byte) int {
	locs := crcTrailer.FindAllIndex(buf, -1)
	if len(locs) == 0 {
		return -1
	}
	end := locs[len(locs)-1][1]
	if end < len(buf) && buf[end] == '\n' {
		end++
	}
	return end
}
