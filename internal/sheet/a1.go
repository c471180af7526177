package sheet

import (
	"fmt"
	"strings"
)

// ParseCellRef converts an A1-style reference to zero-based column and
// row indices. Absolute markers ($) are tolerated and ignored.
func ParseCellRef(ref string) (col, row int, err error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(ref), "$", ""))
	i := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		col = col*26 + int(s[i]-'A') + 1
		i++
	}
	if i == 0 || i == len(s) {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	for j := i; j < len(s); j++ {
		if s[j] < '0' || s[j] > '9' {
			return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
		}
		row = row*10 + int(s[j]-'0')
	}
	if row == 0 {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	return col - 1, row - 1, nil
}

// FormatCellRef converts zero-based column and row indices to an
// A1-style reference.
func FormatCellRef(col, row int) string {
	var sb strings.Builder
	c := col + 1
	for c > 0 {
		c--
		sb.WriteByte(byte('A' + c%26))
		c /= 26
	}
	// Column letters accumulate in reverse.
	letters := []byte(sb.String())
	for i, j := 0, len(letters)-1; i < j; i, j = i+1, j-1 {
		letters[i], letters[j] = letters[j], letters[i]
	}
	return fmt.Sprintf("%s%d", letters, row+1)
}

// Range is a rectangular cell region with zero-based inclusive bounds.
type Range struct {
	StartCol, StartRow int
	EndCol, EndRow     int
}

// ParseRange parses "A1:C3" or a single cell "B2" into a Range. Bounds
// are normalized so Start is the top-left corner.
func ParseRange(rng string) (Range, error) {
	parts := strings.SplitN(strings.TrimSpace(rng), ":", 2)
	sc, sr, err := ParseCellRef(parts[0])
	if err != nil {
		return Range{}, err
	}
	ec, er := sc, sr
	if len(parts) == 2 {
		ec, er, err = ParseCellRef(parts[1])
		if err != nil {
			return Range{}, err
		}
	}
	if ec < sc {
		sc, ec = ec, sc
	}
	if er < sr {
		sr, er = er, sr
	}
	return Range{StartCol: sc, StartRow: sr, EndCol: ec, EndRow: er}, nil
}

// Rows returns the number of rows in the range.
func (r Range) Rows() int { return r.EndRow - r.StartRow + 1 }

// Cols returns the number of columns in the range.
func (r Range) Cols() int { return r.EndCol - r.StartCol + 1 }

// String renders the range in A1 notation.
func (r Range) String() string {
	if r.StartCol == r.EndCol && r.StartRow == r.EndRow {
		return FormatCellRef(r.StartCol, r.StartRow)
	}
	return FormatCellRef(r.StartCol, r.StartRow) + ":" + FormatCellRef(r.EndCol, r.EndRow)
}
