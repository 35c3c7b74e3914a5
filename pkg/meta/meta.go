package meta

import (
	"strings"

	"printcore/pkg/errors"
	"printcore/pkg/expr"
	"printcore/pkg/log"
)

// FileControl lets the processor rewind the job file to re-run a loop.
type FileControl interface {
	// RestartFrom repositions the reader so the line at filePos (whose
	// line number is line) is read next.
	RestartFrom(filePos int64, line int)
}

// ErrAbort is wrapped by the error returned when an abort command runs.
var ErrAbort = errors.New(errors.ErrRuntime, "job aborted")

// Processor holds the block stack of one job file.
type Processor struct {
	blocks         []blockState
	indentLevel    int
	indentToSkipTo int
	lastResult     int32

	om     expr.ObjectModel
	logger *log.Logger
}

// New returns a Processor with an empty top-level block.
func New(om expr.ObjectModel, logger *log.Logger) *Processor {
	p := &Processor{om: om, logger: logger}
	p.Reset()
	return p
}

// Reset drops all block state, e.g. when a new job file starts.
func (pr *Processor) Reset() {
	pr.blocks = pr.blocks[:0]
	pr.blocks = append(pr.blocks, blockState{typ: BlockPlain, indent: 0})
	pr.indentLevel = 0
	pr.indentToSkipTo = noIndentSkip
}

// SetLastResult records the result code of the previous command for the
// 'result' constant: 0 success, 1 warning, 2 error.
func (pr *Processor) SetLastResult(code int32) { pr.lastResult = code }

func (pr *Processor) current() *blockState {
	return &pr.blocks[len(pr.blocks)-1]
}

// iterations returns the innermost loop's iteration count, or -1 when not
// inside a loop.
func (pr *Processor) iterations() int32 {
	for i := len(pr.blocks) - 1; i >= 0; i-- {
		if pr.blocks[i].typ == BlockLoop {
			return pr.blocks[i].iterations
		}
	}
	return -1
}

// CheckMetaCommand examines one job-file line. It returns consumed=true
// when the line was a meta command or lies in a skipped block, plus any
// reply text (echo/abort). Errors carry the line and column.
func (pr *Processor) CheckMetaCommand(line string, indent int, lineNumber int, filePos int64, fc FileControl) (consumed bool, reply string, err error) {
	previousBlockType := BlockPlain

	if pr.indentToSkipTo < indent {
		return true, "", nil // still skipping this block
	}
	if pr.indentToSkipTo != noIndentSkip && pr.indentToSkipTo >= indent {
		// Finished skipping the nested block.
		if pr.indentToSkipTo == indent {
			previousBlockType = pr.current().typ
			pr.current().setPlain() // the if-block or loop has ended
		}
		pr.indentToSkipTo = noIndentSkip
	}

	if indent > pr.indentLevel {
		if err := pr.createBlock(indent); err != nil {
			return true, "", err
		}
	} else if indent < pr.indentLevel {
		if pr.endBlocks(indent, fc) {
			return true, "", nil
		}
	}

	return pr.processConditional(line, indent, lineNumber, filePos, previousBlockType, fc)
}

// createBlock starts a nested block when indentation increases.
func (pr *Processor) createBlock(indent int) error {
	if len(pr.blocks) >= MaxBlockIndent {
		return errors.NewParseError(0, 0, "blocks nested too deeply")
	}
	pr.blocks = append(pr.blocks, blockState{typ: BlockPlain, indent: indent})
	pr.indentLevel = indent
	return nil
}

// endBlocks closes blocks when indentation decreases, returning true when
// a loop end rewound the file.
func (pr *Processor) endBlocks(indent int, fc FileControl) bool {
	for pr.indentLevel > indent && len(pr.blocks) > 1 {
		pr.blocks = pr.blocks[:len(pr.blocks)-1]
		pr.indentLevel = pr.current().indent
		if pr.current().typ == BlockLoop {
			// Go back to the start of the loop and re-evaluate the
			// while-part.
			if fc != nil {
				fc.RestartFrom(pr.current().filePos, pr.current().lineNumber)
			}
			return true
		}
	}
	return false
}

// processConditional recognizes meta keywords; a non-meta line returns
// consumed=false untouched.
func (pr *Processor) processConditional(line string, indent, lineNumber int, filePos int64, previousBlockType BlockType, fc FileControl) (bool, string, error) {
	word := line
	if i := strings.IndexAny(line, " \t{"); i >= 0 {
		word = line[:i]
	}
	rest := strings.TrimLeft(line[len(word):], " \t")
	col := indent + len(word) + 1

	switch word {
	case "if":
		return true, "", pr.processIf(rest, lineNumber, col)
	case "elif":
		return true, "", pr.processElif(rest, lineNumber, col, previousBlockType)
	case "else":
		return true, "", pr.processElse(lineNumber, col, previousBlockType)
	case "while":
		return true, "", pr.processWhile(rest, lineNumber, col, filePos)
	case "break":
		return true, "", pr.processBreak(lineNumber, col)
	case "echo":
		reply, err := pr.processEcho(rest, lineNumber, col)
		return true, reply, err
	case "abort":
		reply, err := pr.processAbort(rest, lineNumber, col)
		return true, reply, err
	}
	return false, "", nil
}

// evaluateCondition parses the remainder of a conditional line.
func (pr *Processor) evaluateCondition(rest string, lineNumber, column int) (bool, error) {
	p := expr.NewParser(rest, column, pr.env(lineNumber))
	b, err := p.ParseBoolean()
	if err != nil {
		return false, err
	}
	if err := p.CheckForExtraCharacters(); err != nil {
		return false, err
	}
	return b, nil
}

func (pr *Processor) env(lineNumber int) expr.Env {
	return expr.Env{
		OM:         pr.om,
		Iterations: pr.iterations(),
		LastResult: pr.lastResult,
		LineNumber: lineNumber,
	}
}

func (pr *Processor) processIf(rest string, lineNumber, column int) error {
	b, err := pr.evaluateCondition(rest, lineNumber, column)
	if err != nil {
		return err
	}
	if b {
		pr.current().setIfTrue()
	} else {
		pr.current().setIfFalseNone()
		pr.indentToSkipTo = pr.indentLevel // skip forwards to the end of the block
	}
	return nil
}

// chainState merges the pre-skip block type with the live one: finishing
// a skip resets the block to plain, so the elif/else decision must look at
// what the block was before.
func (pr *Processor) chainState(previousBlockType BlockType) BlockType {
	if previousBlockType != BlockPlain {
		return previousBlockType
	}
	return pr.current().typ
}

func (pr *Processor) processElif(rest string, lineNumber, column int, previousBlockType BlockType) error {
	switch pr.chainState(previousBlockType) {
	case BlockIfFalseNoneTrue:
		b, err := pr.evaluateCondition(rest, lineNumber, column)
		if err != nil {
			return err
		}
		if b {
			pr.current().setIfTrue()
		} else {
			pr.indentToSkipTo = pr.indentLevel
			pr.current().setIfFalseNone()
		}
	case BlockIfTrue, BlockIfFalseHadTrue:
		pr.indentToSkipTo = pr.indentLevel
		pr.current().setIfFalseHad()
	default:
		return errors.NewParseError(lineNumber, column, "'elif' did not follow 'if'")
	}
	return nil
}

func (pr *Processor) processElse(lineNumber, column int, previousBlockType BlockType) error {
	switch pr.chainState(previousBlockType) {
	case BlockIfFalseNoneTrue:
		pr.current().setPlain() // execute the else-block
	case BlockIfTrue, BlockIfFalseHadTrue:
		pr.indentToSkipTo = pr.indentLevel
		pr.current().setPlain() // a further 'else' part is an error
	default:
		return errors.NewParseError(lineNumber, column, "'else' did not follow 'if'")
	}
	return nil
}

func (pr *Processor) processWhile(rest string, lineNumber, column int, filePos int64) error {
	// Mark the block as a loop first so 'iterations' works in the
	// condition.
	if pr.current().typ == BlockLoop {
		pr.current().iterations++ // starting another iteration
	} else {
		pr.current().setLoop(filePos, lineNumber)
	}

	b, err := pr.evaluateCondition(rest, lineNumber, column)
	if err != nil {
		return err
	}
	if !b {
		pr.current().setPlain()
		pr.indentToSkipTo = pr.indentLevel // skip forwards to the end of the block
	}
	return nil
}

func (pr *Processor) processBreak(lineNumber, column int) error {
	for pr.current().typ != BlockLoop {
		if len(pr.blocks) <= 1 {
			return errors.NewParseError(lineNumber, column, "'break' was not inside a loop")
		}
		pr.blocks = pr.blocks[:len(pr.blocks)-1]
		pr.indentLevel = pr.current().indent
	}
	pr.current().setPlain() // exits the loop
	return nil
}

// processEcho evaluates a comma-separated expression list and joins the
// rendered values with spaces.
func (pr *Processor) processEcho(rest string, lineNumber, column int) (string, error) {
	var parts []string
	p := expr.NewParser(rest, column, pr.env(lineNumber))
	for {
		v, err := p.Parse(true)
		if err != nil {
			return "", err
		}
		parts = append(parts, v.String())
		tail := strings.TrimLeft(p.Rest(), " \t")
		if !strings.HasPrefix(tail, ",") {
			if tail != "" {
				return "", errors.NewParseError(lineNumber, column, "unexpected characters after expression")
			}
			break
		}
		p = expr.NewParser(tail[1:], column, pr.env(lineNumber))
	}
	return strings.Join(parts, " "), nil
}

func (pr *Processor) processAbort(rest string, lineNumber, column int) (string, error) {
	reply := "'abort' command executed"
	if rest != "" {
		// If the expression fails to parse we still abort.
		p := expr.NewParser(rest, column, pr.env(lineNumber))
		if v, err := p.Parse(true); err == nil {
			reply = v.String()
		} else {
			reply = "invalid expression after 'abort': " + err.Error()
		}
	}
	return reply, errors.Wrap(ErrAbort, errors.ErrRuntime, "%s", reply)
}
