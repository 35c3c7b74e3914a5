package expr

import (
	"math"
	"strings"
	"testing"

	"printcore/pkg/errors"
)

// fakeModel resolves a fixed path table and records what was asked of it.
type fakeModel struct {
	values     map[string]Value
	lengths    map[string]int32
	lastCtx    *LookupContext
	lastPath   string
	lookups    int
	lengthAsks int
}

func (m *fakeModel) GetObjectValue(ctx *LookupContext, path string) (Value, error) {
	m.lastCtx = ctx
	m.lastPath = path
	m.lookups++
	if ctx.WantLength {
		m.lengthAsks++
		if n, ok := m.lengths[path]; ok {
			return Int(n), nil
		}
		return Null(), errors.NewParseError(ctx.Line, ctx.Column, "unknown array %q", path)
	}
	if v, ok := m.values[path]; ok {
		return v, nil
	}
	return Null(), errors.NewParseError(ctx.Line, ctx.Column, "unknown path %q", path)
}

func eval(t *testing.T, s string) Value {
	t.Helper()
	p := NewParser(s, 0, Env{Iterations: -1})
	v, err := p.Parse(true)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	if err := p.CheckForExtraCharacters(); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func evalErr(t *testing.T, s string) error {
	t.Helper()
	p := NewParser(s, 0, Env{Iterations: -1})
	_, err := p.Parse(true)
	if err == nil {
		t.Fatalf("parse %q: expected error", s)
	}
	return err
}

func TestArithmeticPrecedence(t *testing.T) {
	v := eval(t, "1 + 2 * 3")
	if v.Type() != TypeInt32 || v.AsInt() != 7 {
		t.Errorf("1 + 2 * 3 = %v (%v)", v, v.Type())
	}
}

func TestDivisionPromotesToFloat(t *testing.T) {
	v := eval(t, "1/2")
	if v.Type() != TypeFloat || v.AsFloat() != 0.5 {
		t.Errorf("1/2 = %v (%v)", v, v.Type())
	}
}

func TestModFunction(t *testing.T) {
	v := eval(t, "mod(5, 3)")
	if v.Type() != TypeInt32 || v.AsInt() != 2 {
		t.Errorf("mod(5, 3) = %v", v)
	}
	if v := eval(t, "mod(5, 0)"); v.AsInt() != 0 {
		t.Errorf("mod(5, 0) = %v, want benign 0", v)
	}
}

func TestBooleanShortCircuit(t *testing.T) {
	if v := eval(t, "true && false"); v.Type() != TypeBool || v.AsBool() {
		t.Errorf("true && false = %v", v)
	}
	// The right operand references an unknown path: it is walked with
	// evaluation off, so no semantic error surfaces.
	if v := eval(t, "false && no.such.path"); v.AsBool() {
		t.Errorf("false && unknown = %v", v)
	}
	if v := eval(t, "true || no.such.path"); !v.AsBool() {
		t.Errorf("true || unknown = %v", v)
	}
	// But the skipped branch is still syntax-checked.
	evalErr(t, "false && (1 +")
}

func TestTernaryEvaluatesOneBranch(t *testing.T) {
	m := &fakeModel{values: map[string]Value{"good": Int(42)}}
	p := NewParser("true ? good : bad.path", 0, Env{OM: m, Iterations: -1})
	v, err := p.Parse(true)
	if err != nil {
		t.Fatalf("ternary: %v", err)
	}
	if v.AsInt() != 42 {
		t.Errorf("ternary = %v", v)
	}
	if m.lookups != 1 {
		t.Errorf("object model consulted %d times, want 1", m.lookups)
	}

	if v := eval(t, "false ? 1 : 2"); v.AsInt() != 2 {
		t.Errorf("false ? 1 : 2 = %v", v)
	}
	// Right-associative nesting.
	if v := eval(t, "false ? 1 : true ? 2 : 3"); v.AsInt() != 2 {
		t.Errorf("chained ternary = %v", v)
	}
}

func TestComparisonAliases(t *testing.T) {
	cases := map[string]bool{
		"1 = 1":        true,
		"1 == 1":       true,
		"1 != 2":       true,
		"2 <= 2":       true,
		"3 >= 4":       false,
		"1 < 2":        true,
		"2 > 1":        true,
		"1.5 > 1":      true,
		"true | false": true,
	}
	for s, want := range cases {
		if v := eval(t, s); v.AsBool() != want {
			t.Errorf("%q = %v, want %v", s, v.AsBool(), want)
		}
	}
}

func TestPrecedenceWithBooleans(t *testing.T) {
	if v := eval(t, "2 + 3 > 4 && 1"); v.Type() != TypeBool || !v.AsBool() {
		t.Errorf("2 + 3 > 4 && 1 = %v (%v)", v, v.Type())
	}
}

func TestStringLength(t *testing.T) {
	if v := eval(t, `#"hello"`); v.AsInt() != 5 {
		t.Errorf(`#"hello" = %v`, v)
	}
}

func TestArrayLengthAsksModelDirectly(t *testing.T) {
	m := &fakeModel{lengths: map[string]int32{"tools": 3}}
	p := NewParser("#tools", 0, Env{OM: m, Iterations: -1})
	v, err := p.Parse(true)
	if err != nil {
		t.Fatalf("#tools: %v", err)
	}
	if v.AsInt() != 3 {
		t.Errorf("#tools = %v", v)
	}
	if m.lengthAsks != 1 || !m.lastCtx.WantLength {
		t.Error("length was not requested from the object model")
	}
}

func TestNullComparisons(t *testing.T) {
	if v := eval(t, "null == null"); !v.AsBool() {
		t.Error("null == null should be true")
	}
	if v := eval(t, "null == 0"); v.AsBool() {
		t.Error("null == 0 should be false")
	}
	if v := eval(t, "null != 0"); !v.AsBool() {
		t.Error("null != 0 should be true")
	}
}

func TestQuotedStrings(t *testing.T) {
	v := eval(t, `"he""llo"`)
	if got := v.AsString(); got != `he"llo` {
		t.Errorf("doubled quote = %q", got)
	}
	if len(v.AsString()) != 6 {
		t.Errorf("length = %d, want 6", len(v.AsString()))
	}

	// A single quote lowercases the next alphabetic character.
	if v := eval(t, `"'A'B"`); v.AsString() != "ab" {
		t.Errorf("lowercase quoting = %q", v.AsString())
	}
	// Doubled single quote stands for one.
	if v := eval(t, `"it''s"`); v.AsString() != "it's" {
		t.Errorf("doubled single quote = %q", v.AsString())
	}
}

func TestStringConcat(t *testing.T) {
	v := eval(t, `"x=" ^ 42`)
	if v.Type() != TypeHeapString || v.AsString() != "x=42" {
		t.Errorf("concat = %q (%v)", v.AsString(), v.Type())
	}
	// Static and heap strings compare by content; comparison binds
	// tighter than concatenation, so bracket the concat.
	if v := eval(t, `("ab" ^ "") == "ab"`); !v.AsBool() {
		t.Error("heap/static string comparison failed")
	}
}

func TestUnaryOperators(t *testing.T) {
	if v := eval(t, "-5"); v.AsInt() != -5 {
		t.Errorf("-5 = %v", v)
	}
	if v := eval(t, "-2.5"); v.AsFloat() != -2.5 {
		t.Errorf("-2.5 = %v", v)
	}
	if v := eval(t, "!false"); !v.AsBool() {
		t.Errorf("!false = %v", v)
	}
	if v := eval(t, "+3"); v.AsInt() != 3 {
		t.Errorf("+3 = %v", v)
	}
}

func TestNamedConstants(t *testing.T) {
	if v := eval(t, "pi"); math.Abs(v.AsFloat()-math.Pi) > 1e-12 {
		t.Errorf("pi = %v", v)
	}
	p := NewParser("iterations", 0, Env{Iterations: 4})
	v, err := p.Parse(true)
	if err != nil || v.AsInt() != 4 {
		t.Errorf("iterations = %v err %v", v, err)
	}
	// Outside a loop 'iterations' is an error.
	evalErr(t, "iterations")

	p = NewParser("line", 0, Env{LineNumber: 17, Iterations: -1})
	if v, _ := p.Parse(true); v.AsInt() != 17 {
		t.Errorf("line = %v", v)
	}
	p = NewParser("result", 0, Env{LastResult: 2, Iterations: -1})
	if v, _ := p.Parse(true); v.AsInt() != 2 {
		t.Errorf("result = %v", v)
	}
}

func TestFunctions(t *testing.T) {
	checks := map[string]float64{
		"abs(-3.5)":      3.5,
		"sin(0)":         0,
		"cos(0)":         1,
		"sqrt(16)":       4,
		"atan2(0, 1)":    0,
		"degrees(pi)":    180,
		"radians(180)":   math.Pi,
		"max(1, 7.5, 3)": 7.5,
		"min(4, -2, 9)":  -2,
	}
	for s, want := range checks {
		v := eval(t, s)
		var got float64
		if v.Type() == TypeFloat {
			got = v.AsFloat()
		} else {
			got = float64(v.AsInt())
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s = %v, want %v", s, got, want)
		}
	}

	if v := eval(t, "abs(-3)"); v.Type() != TypeInt32 || v.AsInt() != 3 {
		t.Errorf("abs(-3) = %v (%v)", v, v.Type())
	}
	if v := eval(t, "floor(2.9)"); v.Type() != TypeInt32 || v.AsInt() != 2 {
		t.Errorf("floor(2.9) = %v", v)
	}
	if v := eval(t, "isnan(0/0)"); !v.AsBool() {
		t.Errorf("isnan(0/0) = %v", v)
	}
	if v := eval(t, "random(10)"); v.AsInt() < 0 || v.AsInt() >= 10 {
		t.Errorf("random(10) = %v out of range", v)
	}
}

func TestExistsIsStructural(t *testing.T) {
	m := &fakeModel{values: map[string]Value{"heat.current": Float(42.0, 1)}}
	env := Env{OM: m, Iterations: -1}

	p := NewParser("exists(heat.current)", 0, env)
	v, err := p.Parse(true)
	if err != nil || !v.AsBool() {
		t.Errorf("exists(known) = %v err %v", v, err)
	}
	if !m.lastCtx.WantExists {
		t.Error("exists flag not passed to the object model")
	}

	p = NewParser("exists(no.such)", 0, env)
	v, err = p.Parse(true)
	if err != nil || v.AsBool() {
		t.Errorf("exists(unknown) = %v err %v", v, err)
	}

	// exists over a constant name is malformed.
	p = NewParser("exists(pi)", 0, env)
	if _, err := p.Parse(true); err == nil {
		t.Error("exists(pi) should be rejected")
	}
}

func TestIndexedIdentifier(t *testing.T) {
	m := &fakeModel{values: map[string]Value{"tools^.name": ConstString("t1")}}
	p := NewParser("tools[1 + 1].name", 0, Env{OM: m, Iterations: -1})
	v, err := p.Parse(true)
	if err != nil {
		t.Fatalf("indexed identifier: %v", err)
	}
	if v.AsString() != "t1" {
		t.Errorf("value = %q", v.AsString())
	}
	if len(m.lastCtx.Indices) != 1 || m.lastCtx.Indices[0] != 2 {
		t.Errorf("indices = %v, want [2]", m.lastCtx.Indices)
	}
	if m.lastPath != "tools^.name" {
		t.Errorf("path = %q", m.lastPath)
	}
}

func TestDateTimeArithmetic(t *testing.T) {
	v := eval(t, `datetime("2024-02-01T00:00:10") - datetime("2024-02-01T00:00:00")`)
	if v.Type() != TypeInt32 || v.AsInt() != 10 {
		t.Errorf("datetime difference = %v (%v)", v, v.Type())
	}
	v = eval(t, `datetime("2024-02-01T00:00:00") + 60 > datetime("2024-02-01T00:00:30")`)
	if !v.AsBool() {
		t.Errorf("datetime comparison = %v", v)
	}
}

func TestParseErrorsCarryPosition(t *testing.T) {
	p := NewParser("1 + ", 4, Env{LineNumber: 12, Iterations: -1})
	_, err := p.Parse(true)
	pe, ok := errors.IsParseError(err)
	if !ok {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Line != 12 || pe.Column < 4 {
		t.Errorf("position = line %d col %d", pe.Line, pe.Column)
	}
}

func TestMissingBracket(t *testing.T) {
	evalErr(t, "(1 + 2")
	evalErr(t, "{1 + 2")
	evalErr(t, "max(1, 2")
}

func TestNestingTooDeep(t *testing.T) {
	depth := maxNesting + 10
	s := strings.Repeat("(", depth) + "1" + strings.Repeat(")", depth)
	err := evalErr(t, s)
	if !strings.Contains(err.Error(), "nesting too deep") {
		t.Errorf("error = %v", err)
	}
}

func TestTypedEntryPoints(t *testing.T) {
	if b, err := NewParser("3 > 2", 0, Env{Iterations: -1}).ParseBoolean(); err != nil || !b {
		t.Errorf("ParseBoolean = %v, %v", b, err)
	}
	if f, err := NewParser("1.5 * 2", 0, Env{Iterations: -1}).ParseFloat(); err != nil || f != 3.0 {
		t.Errorf("ParseFloat = %v, %v", f, err)
	}
	if i, err := NewParser("6 - 2", 0, Env{Iterations: -1}).ParseInteger(); err != nil || i != 4 {
		t.Errorf("ParseInteger = %v, %v", i, err)
	}
	if _, err := NewParser("-1", 0, Env{Iterations: -1}).ParseUnsigned(); err == nil {
		t.Error("ParseUnsigned(-1) should fail")
	}
	if d, err := NewParser("1.2", 0, Env{Iterations: -1}).ParseDriverId(); err != nil ||
		d.Type() != TypeDriverID || d.DriverBoard() != 1 || d.AsUint() != 2 {
		t.Errorf("ParseDriverId = %v, %v", d, err)
	}
	if _, err := NewParser("1.26", 0, Env{Iterations: -1}).ParseDriverId(); err == nil {
		t.Error("ParseDriverId(1.26) should fail")
	}
}

func TestNumberLiterals(t *testing.T) {
	if v := eval(t, "0x1F"); v.Type() != TypeInt32 || v.AsInt() != 31 {
		t.Errorf("0x1F = %v", v)
	}
	if v := eval(t, "2147483647"); v.Type() != TypeInt32 {
		t.Errorf("int32 max literal type = %v", v.Type())
	}
	if v := eval(t, "2147483648"); v.Type() != TypeFloat {
		t.Errorf("overflowing literal type = %v", v.Type())
	}
	if v := eval(t, "1.5e2"); v.Type() != TypeFloat || v.AsFloat() != 150 {
		t.Errorf("1.5e2 = %v", v)
	}
}

func TestFloatPrecisionHint(t *testing.T) {
	v := eval(t, "1.25")
	if v.FloatDigits() != 2 {
		t.Errorf("digits of 1.25 = %d", v.FloatDigits())
	}
	if got := v.String(); got != "1.25" {
		t.Errorf("render = %q", got)
	}
}
