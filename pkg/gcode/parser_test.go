package gcode

import (
	"testing"

	"gcode-sim/pkg/errors"
)

func TestParseMove(t *testing.T) {
	cmd, ok := Parse("G1 X10 Y0 E1", 3)
	if !ok {
		t.Fatal("expected G1 line to parse")
	}
	if cmd.Mnemonic != G1 {
		t.Errorf("mnemonic = %s, want G1", cmd.Mnemonic)
	}
	if cmd.Line != 3 {
		t.Errorf("line = %d, want 3", cmd.Line)
	}
	want := Params{{'X', 10}, {'Y', 0}, {'E', 1}}
	if len(cmd.Params) != len(want) {
		t.Fatalf("params = %v, want %v", cmd.Params, want)
	}
	for i, p := range want {
		if cmd.Params[i] != p {
			t.Errorf("param %d = %c%v, want %c%v", i, cmd.Params[i].Letter, cmd.Params[i].Value, p.Letter, p.Value)
		}
	}
	if cmd.Raw != "G1 X10 Y0 E1" {
		t.Errorf("raw = %q", cmd.Raw)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"spaces", "   \t "},
		{"comment only", "; comment only"},
		{"indented comment", "   ;LAYER:1"},
		{"percent", "%"},
		{"tool change", "T1"},
		{"no digits", "G X10"},
		{"macro", "PRINT_START BED=60"},
		{"line number only", "N10 ; nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.line, 1); ok {
				t.Errorf("Parse(%q) accepted, want rejected", tt.line)
			}
		})
	}
}

func TestParseCaseInsensitive(t *testing.T) {
	cmd, ok := Parse("g1 x1.5 y-2 f3000", 1)
	if !ok {
		t.Fatal("expected lowercase line to parse")
	}
	if cmd.Mnemonic.String() != "G1" {
		t.Errorf("mnemonic = %s, want G1", cmd.Mnemonic)
	}
	if v, ok := cmd.Params.Get('X'); !ok || v != 1.5 {
		t.Errorf("X = %v,%v want 1.5", v, ok)
	}
	if v, ok := cmd.Params.Get('Y'); !ok || v != -2 {
		t.Errorf("Y = %v,%v want -2", v, ok)
	}
	if v, ok := cmd.Params.Get('F'); !ok || v != 3000 {
		t.Errorf("F = %v,%v want 3000", v, ok)
	}
}

func TestParseBadNumberOmitsParam(t *testing.T) {
	cmd, ok := Parse("G1 Xabc Y5", 1)
	if !ok {
		t.Fatal("expected command to survive a bad parameter")
	}
	if cmd.Params.Has('X') {
		t.Errorf("X should be omitted, got %v", cmd.Params)
	}
	if v, _ := cmd.Params.Get('Y'); v != 5 {
		t.Errorf("Y = %v, want 5", v)
	}
}

func TestParseFirstTokenWins(t *testing.T) {
	cmd, _ := Parse("G1 X1 X2", 1)
	if v, _ := cmd.Params.Get('X'); v != 1 {
		t.Errorf("X = %v, want first token 1", v)
	}
	if len(cmd.Params) != 1 {
		t.Errorf("expected one X param, got %v", cmd.Params)
	}
}

func TestParseStripsComments(t *testing.T) {
	tests := []struct {
		line  string
		param byte
	}{
		{"G1 X1 ; Y2", 'Y'},
		{"G1 X1 (move Y2) Z3", 'Y'},
		{"N12 G1 X1 Y7*34", 'Z'},
	}
	for _, tt := range tests {
		cmd, ok := Parse(tt.line, 1)
		if !ok {
			t.Fatalf("Parse(%q) rejected", tt.line)
		}
		if cmd.Mnemonic != G1 {
			t.Errorf("Parse(%q) mnemonic = %s", tt.line, cmd.Mnemonic)
		}
		if cmd.Params.Has(tt.param) {
			t.Errorf("Parse(%q) kept %c from comment: %v", tt.line, tt.param, cmd.Params)
		}
		if v, _ := cmd.Params.Get('X'); v != 1 {
			t.Errorf("Parse(%q) X = %v", tt.line, v)
		}
	}

	cmd, _ := Parse("G1 X1 (note) Z3", 1)
	if v, _ := cmd.Params.Get('Z'); v != 3 {
		t.Errorf("Z after paren comment = %v, want 3", v)
	}
	cmd, _ = Parse("N12 G1 X1 Y7*34", 1)
	if v, _ := cmd.Params.Get('Y'); v != 7 {
		t.Errorf("Y before checksum = %v, want 7", v)
	}
}

func TestParseCRLF(t *testing.T) {
	cmd, ok := Parse("M104 S210\r\n", 9)
	if !ok || cmd.Mnemonic != M104 {
		t.Fatalf("expected M104, got %v ok=%v", cmd.Mnemonic, ok)
	}
	if cmd.Raw != "M104 S210" {
		t.Errorf("raw = %q, want line ending stripped", cmd.Raw)
	}
}

func TestParseUnknownLettersIgnored(t *testing.T) {
	cmd, ok := Parse("G1 X1 Q9 H4 E0.5", 1)
	if !ok {
		t.Fatal("expected parse")
	}
	if len(cmd.Params) != 2 {
		t.Errorf("expected X and E only, got %v", cmd.Params)
	}
}

func TestClassifyAgreesWithParse(t *testing.T) {
	lines := []string{
		"", "  ", "; c", "%", "G1 X1", "g28", "M107", "T0", "N5 G1 X1",
		"N5", "G", "M", "G1 ; c", "hello", "  G0 Z5",
	}
	for _, line := range lines {
		_, ok := Parse(line, 1)
		if IsCommandLine([]byte(line)) != ok {
			t.Errorf("Classify(%q) = %s disagrees with Parse ok=%v", line, Classify([]byte(line)), ok)
		}
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		line string
		want LineKind
	}{
		{"", KindBlank},
		{"   ", KindBlank},
		{";LAYER:0", KindComment},
		{"G1 X1", KindCommand},
		{"T1", KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify([]byte(tt.line)); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestParseStrict(t *testing.T) {
	if _, err := ParseStrict("G90", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := ParseStrict("T1", 42)
	if !errors.Is(err, errors.ErrParse) {
		t.Fatalf("expected PARSE error, got %v", err)
	}
	if se, ok := err.(*errors.SimError); !ok || se.Line != 42 {
		t.Errorf("expected line 42 in error, got %v", err)
	}
}

func TestMnemonic(t *testing.T) {
	m := NewMnemonic('m', 190)
	if m != M190 {
		t.Errorf("NewMnemonic('m', 190) = %s, want M190", m)
	}
	if m.Letter() != 'M' || m.Number() != 190 {
		t.Errorf("letter/number = %c/%d", m.Letter(), m.Number())
	}
	if !G2.IsMotion() || M104.IsMotion() {
		t.Error("IsMotion misclassified")
	}
}

func TestMentions(t *testing.T) {
	cmd, _ := Parse("G28 X Y0 ; Z", 1)
	if !cmd.Mentions('X') || !cmd.Mentions('y') {
		t.Errorf("expected X and Y mentioned in %q", cmd.Raw)
	}
	if cmd.Mentions('Z') {
		t.Errorf("Z only appears in a comment")
	}
	if cmd.Mentions('E') {
		t.Errorf("E not present")
	}
}
