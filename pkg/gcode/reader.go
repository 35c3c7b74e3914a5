// Package gcode reads a job file: G0/G1 moves become tuples for the
// planner, meta-language lines go through the conditional processor, and
// brace-wrapped parameter values are evaluated as expressions.
package gcode

import (
	"strconv"
	"strings"

	"printcore/pkg/errors"
	"printcore/pkg/expr"
	"printcore/pkg/log"
	"printcore/pkg/meta"
	"printcore/pkg/platform"
)

// Positioner receives G92 position overrides.
type Positioner interface {
	SetPositions(coords []float64)
}

type lineRec struct {
	text   string
	offset int64
}

// Reader turns job-file text into move tuples. It implements the
// planner's MoveSource.
type Reader struct {
	lines      []lineRec
	index      int
	proc       *meta.Processor
	om         expr.ObjectModel
	logger     *log.Logger
	positioner Positioner

	pos       [platform.Drives]float64
	feed      float64 // mm/s
	absolute  bool
	absoluteE bool
	paused    bool
	aborted   bool
	homed     [platform.Axes]bool

	havePending   bool
	pendingCoords [platform.Drives + 1]float64
	pendingMask   uint32
	pendingType   int
	pendingPos    int64
}

// NewReader splits the job text into lines and resets the parser state.
func NewReader(text string, om expr.ObjectModel, logger *log.Logger) *Reader {
	r := &Reader{
		proc:      meta.New(om, logger),
		om:        om,
		logger:    logger,
		feed:      50.0 / 60.0,
		absolute:  true,
		absoluteE: true,
	}
	offset := int64(0)
	for _, line := range strings.Split(text, "\n") {
		r.lines = append(r.lines, lineRec{text: line, offset: offset})
		offset += int64(len(line)) + 1
	}
	return r
}

// SetPositioner wires the G92 target.
func (r *Reader) SetPositioner(p Positioner) { r.positioner = p }

// RestartFrom implements the loop rewind for the meta processor.
func (r *Reader) RestartFrom(filePos int64, line int) {
	for i := range r.lines {
		if r.lines[i].offset == filePos {
			r.index = i
			return
		}
	}
	r.logger.Errorf("loop rewind to unknown file position %d", filePos)
}

// Pause stops offering moves; Resume continues.
func (r *Reader) Pause()  { r.paused = true }
func (r *Reader) Resume() { r.paused = false }

// IsPaused implements MoveSource.
func (r *Reader) IsPaused() bool { return r.paused }

// SetAxisIsHomed implements MoveSource.
func (r *Reader) SetAxisIsHomed(axis int) {
	if axis >= 0 && axis < platform.Axes {
		r.homed[axis] = true
	}
}

// AxisIsHomed reports whether an endstop notification arrived.
func (r *Reader) AxisIsHomed(axis int) bool { return r.homed[axis] }

// Finished reports whether the file is exhausted or aborted.
func (r *Reader) Finished() bool {
	return r.aborted || (!r.havePending && r.index >= len(r.lines))
}

// ReadMove implements MoveSource: a non-blocking poll for the next tuple.
func (r *Reader) ReadMove(coords *[platform.Drives + 1]float64) (uint32, int, int64, bool) {
	if r.paused || r.aborted {
		return 0, 0, 0, false
	}
	for !r.havePending && !r.aborted && r.index < len(r.lines) {
		r.processNextLine()
	}
	if !r.havePending {
		return 0, 0, 0, false
	}
	*coords = r.pendingCoords
	r.havePending = false
	return r.pendingMask, r.pendingType, r.pendingPos, true
}

func (r *Reader) processNextLine() {
	rec := r.lines[r.index]
	lineNumber := r.index + 1

	text := rec.text
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	trimmed := strings.TrimLeft(text, " \t")
	indent := len(text) - len(trimmed)
	trimmed = strings.TrimRight(trimmed, " \t")
	if trimmed == "" {
		r.index++
		return
	}

	restartBefore := r.index
	consumed, reply, err := r.proc.CheckMetaCommand(trimmed, indent, lineNumber, rec.offset, r)
	if reply != "" {
		r.logger.Infof("%s", reply)
	}
	if err != nil {
		// A parse error aborts the current line; an abort ends the job.
		r.logger.Errorf("line %d: %v", lineNumber, err)
		if ce, ok := err.(*errors.CoreError); ok && ce.Unwrap() == meta.ErrAbort {
			r.aborted = true
			return
		}
		r.index++
		return
	}
	if r.index != restartBefore {
		return // the processor rewound a loop
	}
	if consumed {
		r.index++
		return
	}

	r.executeCommand(trimmed, lineNumber, rec.offset)
	r.index++
}

// executeCommand interprets one non-meta command line.
func (r *Reader) executeCommand(line string, lineNumber int, offset int64) {
	words, err := r.parseWords(line, lineNumber)
	if err != nil {
		r.logger.Errorf("line %d: %v", lineNumber, err)
		return
	}
	if len(words) == 0 {
		return
	}

	switch {
	case words[0].letter == 'G':
		r.executeG(int(words[0].value), words[1:], lineNumber, offset)
	case words[0].letter == 'M':
		r.executeM(int(words[0].value), words[1:])
	case words[0].letter == 'T':
		// tool changes are outside the motion core
	default:
		r.logger.Warnf("line %d: unsupported command %c%g", lineNumber, words[0].letter, words[0].value)
	}
}

func (r *Reader) executeG(code int, params []word, lineNumber int, offset int64) {
	switch code {
	case 0, 1:
		coords := r.pos
		mask := uint32(0)
		moveType := 0
		for _, w := range params {
			switch w.letter {
			case 'X', 'Y', 'Z':
				axis := int(w.letter - 'X')
				if r.absolute {
					coords[axis] = w.value
				} else {
					coords[axis] += w.value
				}
				mask |= 1 << uint(axis)
			case 'E':
				if r.absoluteE {
					coords[platform.Axes] = w.value
				} else {
					coords[platform.Axes] += w.value
				}
			case 'F':
				r.feed = w.value / 60.0 // mm/min to mm/s
			case 'S', 'H':
				if w.value != 0 {
					moveType = int(w.value)
				}
			}
		}
		if moveType == 0 {
			mask = 0
		}
		r.pendingCoords = [platform.Drives + 1]float64{}
		copy(r.pendingCoords[:platform.Drives], coords[:])
		r.pendingCoords[platform.Drives] = r.feed
		r.pendingMask = mask
		r.pendingType = moveType
		r.pendingPos = offset
		r.havePending = true
		r.pos = coords

	case 90:
		r.absolute = true
		r.absoluteE = true
	case 91:
		r.absolute = false
		r.absoluteE = false
	case 92:
		for _, w := range params {
			switch w.letter {
			case 'X', 'Y', 'Z':
				r.pos[int(w.letter-'X')] = w.value
			case 'E':
				r.pos[platform.Axes] = w.value
			}
		}
		if r.positioner != nil {
			r.positioner.SetPositions(r.pos[:])
		}
	default:
		r.logger.Warnf("line %d: unsupported G%d", lineNumber, code)
	}
}

func (r *Reader) executeM(code int, params []word) {
	switch code {
	case 82:
		r.absoluteE = true
	case 83:
		r.absoluteE = false
	default:
		// other M codes are outside the motion core
	}
}

type word struct {
	letter byte
	value  float64
}

// parseWords scans letter/value pairs. A value may be a number or a
// brace-wrapped expression evaluated against the object model.
func (r *Reader) parseWords(line string, lineNumber int) ([]word, error) {
	var words []word
	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if !isLetter(c) {
			return nil, errors.NewParseError(lineNumber, i, "expected a command letter, found %q", string(c))
		}
		letter := upper(c)
		i++
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}

		if i < len(line) && line[i] == '{' {
			p := expr.NewParser(line[i:], i, expr.Env{OM: r.om, Iterations: -1, LineNumber: lineNumber})
			v, err := p.ParseFloat()
			if err != nil {
				return nil, err
			}
			consumed := len(line[i:]) - len(p.Rest())
			i += consumed
			words = append(words, word{letter: letter, value: v})
			continue
		}

		start := i
		for i < len(line) && (line[i] == '+' || line[i] == '-' || line[i] == '.' || isDigit(line[i])) {
			i++
		}
		if start == i {
			// A bare letter (e.g. "G1 X") has value zero.
			words = append(words, word{letter: letter})
			continue
		}
		v, err := strconv.ParseFloat(line[start:i], 64)
		if err != nil {
			return nil, errors.NewParseError(lineNumber, start, "bad numeric value %q", line[start:i])
		}
		words = append(words, word{letter: letter, value: v})
	}
	return words, nil
}

func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
