package gcode

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"gcode-sim/pkg/errors"
)

// LineKind classifies a raw source line before full parsing.
type LineKind int

const (
	// KindBlank is an empty or whitespace-only line.
	KindBlank LineKind = iota
	// KindComment starts with ';' or '%'.
	KindComment
	// KindCommand starts with a G or M mnemonic.
	KindCommand
	// KindUnknown is anything else (tool changes, macros, garbage).
	KindUnknown
)

func (k LineKind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindComment:
		return "comment"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// paramLetters is the fixed parameter alphabet: X Y Z E F I J K R P S T plus
// the A B C U V W axis extensions.
var paramLetters = [256]bool{
	'X': true, 'Y': true, 'Z': true, 'E': true, 'F': true,
	'I': true, 'J': true, 'K': true, 'R': true, 'P': true,
	'S': true, 'T': true,
	'A': true, 'B': true, 'C': true, 'U': true, 'V': true, 'W': true,
}

// IsParamLetter reports whether c (either case) is a recognised parameter letter.
func IsParamLetter(c byte) bool {
	return paramLetters[upper(c)]
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Classify inspects a raw line without allocating.
// Classify and Parse agree: Parse returns ok exactly for KindCommand lines.
func Classify(line []byte) LineKind {
	i := skipSpace(line, 0)
	if i == len(line) {
		return KindBlank
	}
	switch line[i] {
	case ';', '%':
		return KindComment
	}
	i = skipLineNumber(line, i)
	if _, _, ok := scanMnemonic(line, i); ok {
		return KindCommand
	}
	return KindUnknown
}

// IsCommandLine reports whether Parse would accept line.
func IsCommandLine(line []byte) bool {
	return Classify(line) == KindCommand
}

// Parse converts one line of G-code into a Command.
// Blank lines, comment lines and lines without a leading [GM]<digits>
// mnemonic are rejected with ok=false. Parameters whose value is not a
// number are omitted; the rest of the command is kept.
func Parse(line string, lineNumber int) (cmd Command, ok bool) {
	raw := strings.TrimRight(line, "\r\n")
	mn, code, ok := split([]byte(raw))
	if !ok {
		return Command{}, false
	}
	return Command{
		Mnemonic: mn,
		Params:   scanParams(code),
		Line:     lineNumber,
		Raw:      raw,
	}, true
}

// Mentions reports whether letter appears as a word in the command, with or
// without a value. G28 uses bare axis letters ("G28 X Y").
func (c Command) Mentions(letter byte) bool {
	if c.Params.Has(letter) {
		return true
	}
	_, code, ok := split([]byte(c.Raw))
	if !ok {
		return false
	}
	letter = upper(letter)
	for i := range code {
		if upper(code[i]) != letter {
			continue
		}
		if i > 0 && code[i-1] != ' ' && code[i-1] != '\t' {
			continue
		}
		if i+1 == len(code) || code[i+1] == ' ' || code[i+1] == '\t' || isDigit(code[i+1]) ||
			code[i+1] == '-' || code[i+1] == '+' || code[i+1] == '.' {
			return true
		}
	}
	return false
}

// split separates a line into its mnemonic and the parameter text with
// comments and any checksum removed.
func split(b []byte) (Mnemonic, []byte, bool) {
	i := skipSpace(b, 0)
	if i == len(b) || b[i] == ';' || b[i] == '%' {
		return 0, nil, false
	}
	i = skipLineNumber(b, i)
	mn, end, ok := scanMnemonic(b, i)
	if !ok {
		return 0, nil, false
	}

	code := b[end:]
	if idx := bytes.IndexByte(code, ';'); idx >= 0 {
		code = code[:idx]
	}
	if idx := bytes.IndexByte(code, '*'); idx >= 0 {
		// RepRap checksum suffix
		code = code[:idx]
	}
	if bytes.IndexByte(code, '(') >= 0 {
		code = reParenComment.ReplaceAll(code, []byte{' '})
	}
	return mn, code, true
}

// ParseStrict is Parse for diagnostics: lines Parse would drop come back as
// PARSE errors carrying the line number and the reason.
func ParseStrict(line string, lineNumber int) (Command, error) {
	if cmd, ok := Parse(line, lineNumber); ok {
		return cmd, nil
	}
	switch Classify([]byte(line)) {
	case KindBlank:
		return Command{}, errors.ParseError(lineNumber, "blank line")
	case KindComment:
		return Command{}, errors.ParseError(lineNumber, "comment line")
	default:
		return Command{}, errors.ParseError(lineNumber, "no G/M mnemonic").
			SetContext("raw", strings.TrimSpace(line))
	}
}

// scanMnemonic reads [GgMm]<digits> starting at i.
func scanMnemonic(b []byte, i int) (Mnemonic, int, bool) {
	if i >= len(b) {
		return 0, i, false
	}
	letter := upper(b[i])
	if letter != 'G' && letter != 'M' {
		return 0, i, false
	}
	j := i + 1
	n := 0
	for j < len(b) && isDigit(b[j]) {
		n = n*10 + int(b[j]-'0')
		if n > maxMnemonicNumber {
			return 0, i, false
		}
		j++
	}
	if j == i+1 {
		return 0, i, false
	}
	return NewMnemonic(letter, n), j, true
}

// scanParams extracts the first numeric token after each recognised letter.
func scanParams(code []byte) Params {
	var params Params
	var seen [256]bool
	for i := 0; i < len(code); i++ {
		c := upper(code[i])
		if !paramLetters[c] || seen[c] {
			continue
		}
		tok, next := numericToken(code, i+1)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		seen[c] = true
		params = append(params, Param{Letter: c, Value: v})
		i = next - 1
	}
	return params
}

// numericToken returns the number starting at i: [+-]?digits[.digits] or [+-]?.digits
func numericToken(b []byte, i int) (string, int) {
	start := i
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	digits := 0
	dot := false
scan:
	for i < len(b) {
		switch {
		case isDigit(b[i]):
			digits++
		case b[i] == '.' && !dot:
			dot = true
		default:
			break scan
		}
		i++
	}
	if digits == 0 {
		return "", start
	}
	return string(b[start:i]), i
}

// skipLineNumber skips a leading "N<digits>" RepRap line number word.
func skipLineNumber(b []byte, i int) int {
	if i < len(b) && upper(b[i]) == 'N' {
		j := i + 1
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		if j > i+1 {
			return skipSpace(b, j)
		}
	}
	return i
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\r' || b[i] == '\n') {
		i++
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
