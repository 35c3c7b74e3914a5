package meta

import (
	"errors"
	"strings"
	"testing"

	coreerr "printcore/pkg/errors"
	"printcore/pkg/expr"
	"printcore/pkg/log"
)

type fakeFile struct {
	restart int64
	set     bool
}

func (f *fakeFile) RestartFrom(filePos int64, line int) {
	f.restart = filePos
	f.set = true
}

type constModel map[string]expr.Value

func (m constModel) GetObjectValue(ctx *expr.LookupContext, path string) (expr.Value, error) {
	if v, ok := m[path]; ok {
		return v, nil
	}
	return expr.Null(), coreerr.NewParseError(ctx.Line, ctx.Column, "unknown path %q", path)
}

func quietLogger() *log.Logger {
	l := log.New("meta")
	l.SetLevel(log.ERROR + 1)
	return l
}

// runScript feeds the lines through a Processor the way the job-file
// reader would, honouring loop rewinds. It returns the non-meta lines
// that executed and any echo/abort replies.
func runScript(t *testing.T, om expr.ObjectModel, lines []string) (executed, replies []string, err error) {
	t.Helper()
	pr := New(om, quietLogger())
	fc := &fakeFile{}

	i := 0
	for steps := 0; i < len(lines); steps++ {
		if steps > 1000 {
			t.Fatal("script did not terminate")
		}
		raw := lines[i]
		trimmed := strings.TrimLeft(raw, " ")
		indent := len(raw) - len(trimmed)
		trimmed = strings.TrimRight(trimmed, " ")
		if trimmed == "" {
			i++
			continue
		}

		fc.set = false
		consumed, reply, cmdErr := pr.CheckMetaCommand(trimmed, indent, i+1, int64(i), fc)
		if reply != "" {
			replies = append(replies, reply)
		}
		if cmdErr != nil {
			return executed, replies, cmdErr
		}
		if fc.set {
			i = int(fc.restart)
			continue
		}
		if !consumed {
			executed = append(executed, trimmed)
		}
		i++
	}
	return executed, replies, nil
}

func TestIfTrueExecutesBody(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"if 1 = 1",
		"  G1 X1",
		"G1 X2",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"G1 X1", "G1 X2"}
	if strings.Join(executed, ";") != strings.Join(want, ";") {
		t.Errorf("executed = %v", executed)
	}
}

func TestIfFalseSkipsBody(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"if 1 = 2",
		"  G1 X1",
		"G1 X2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 || executed[0] != "G1 X2" {
		t.Errorf("executed = %v", executed)
	}
}

func TestElifChain(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"if false",
		"  G1 X1",
		"elif true",
		"  G1 X2",
		"elif true",
		"  G1 X3",
		"else",
		"  G1 X4",
		"G1 X5",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "G1 X2;G1 X5"
	if strings.Join(executed, ";") != want {
		t.Errorf("executed = %v, want %v", executed, want)
	}
}

func TestElseAfterFalse(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"if false",
		"  G1 X1",
		"else",
		"  G1 X2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 || executed[0] != "G1 X2" {
		t.Errorf("executed = %v", executed)
	}
}

func TestElifWithoutIf(t *testing.T) {
	_, _, err := runScript(t, nil, []string{
		"elif true",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := coreerr.IsParseError(err); !ok {
		t.Errorf("error type = %T", err)
	}
}

func TestWhileLoopIterations(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"while iterations < 3",
		"  G1 X1",
		"G1 X9",
	})
	if err != nil {
		t.Fatal(err)
	}
	bodyRuns := 0
	for _, l := range executed {
		if l == "G1 X1" {
			bodyRuns++
		}
	}
	if bodyRuns != 3 {
		t.Errorf("loop body ran %d times, want 3", bodyRuns)
	}
	if executed[len(executed)-1] != "G1 X9" {
		t.Errorf("tail line missing: %v", executed)
	}
}

func TestBreakExitsLoop(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"while true",
		"  G1 X1",
		"  if iterations = 2",
		"    break",
		"G1 X9",
	})
	if err != nil {
		t.Fatal(err)
	}
	bodyRuns := 0
	for _, l := range executed {
		if l == "G1 X1" {
			bodyRuns++
		}
	}
	if bodyRuns != 3 {
		t.Errorf("loop body ran %d times, want 3", bodyRuns)
	}
	if executed[len(executed)-1] != "G1 X9" {
		t.Errorf("execution did not continue after the loop: %v", executed)
	}
}

func TestBreakOutsideLoop(t *testing.T) {
	_, _, err := runScript(t, nil, []string{"break"})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNestedLoops(t *testing.T) {
	executed, _, err := runScript(t, nil, []string{
		"while iterations < 2",
		"  while iterations < 2",
		"    G1 X1",
		"  G1 X2",
		"G1 X9",
	})
	if err != nil {
		t.Fatal(err)
	}
	inner, outer := 0, 0
	for _, l := range executed {
		switch l {
		case "G1 X1":
			inner++
		case "G1 X2":
			outer++
		}
	}
	if outer != 2 || inner != 4 {
		t.Errorf("outer = %d inner = %d, want 2 and 4", outer, inner)
	}
}

func TestEcho(t *testing.T) {
	_, replies, err := runScript(t, nil, []string{
		`echo "speed", 2 * 30`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0] != "speed 60" {
		t.Errorf("replies = %v", replies)
	}
}

func TestAbort(t *testing.T) {
	_, replies, err := runScript(t, nil, []string{
		`abort "tool " ^ 3 ^ " missing"`,
	})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if !errors.Is(err, ErrAbort) {
		t.Errorf("error = %v, want wrapped ErrAbort", err)
	}
	if len(replies) != 1 || replies[0] != "tool 3 missing" {
		t.Errorf("replies = %v", replies)
	}
}

func TestConditionUsesObjectModel(t *testing.T) {
	om := constModel{"heat.current": expr.Float(210.0, 1)}
	executed, _, err := runScript(t, om, []string{
		"if heat.current > 200",
		"  G1 X1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 {
		t.Errorf("executed = %v", executed)
	}
}

func TestParseErrorAbortsLine(t *testing.T) {
	_, _, err := runScript(t, nil, []string{
		"if 1 +",
	})
	if err == nil {
		t.Fatal("expected a parse error")
	}
	pe, ok := coreerr.IsParseError(err)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if pe.Line != 1 {
		t.Errorf("line = %d", pe.Line)
	}
}
