// Package extract finds final marker lines in a churned log file.
package extract

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/saworbit/logchurn/internal/metrics"
)

// Separator is printed between the matched numbers and the total.
const Separator = "----------------------------------------"

var markerRe = regexp.MustCompile(`Final number2: ([0-9]+)`)

var (
	// ErrNotFound reports a missing input file.
	ErrNotFound = errors.New("file not found")
	// ErrDecode reports content that is not valid UTF-8 text.
	ErrDecode = errors.New("decode error")
)

// Match is one marker line.
type Match struct {
	Line  int    // 1-based line number
	Raw   string // the matched digits
	Value uint64 // parsed value, valid unless Overflow
	// Overflow is set when the digits do not fit in a uint64.
	Overflow bool
}

// String renders the parsed number.
func (m Match) String() string {
	if m.Overflow {
		trimmed := strings.TrimLeft(m.Raw, "0")
		if trimmed == "" {
			return "0"
		}
		return trimmed
	}
	return strconv.FormatUint(m.Value, 10)
}

// Scan reads r line by line and calls fn for every line containing a marker.
// It returns the number of matching lines; the numeric values are not summed.
// On a read or decode failure the count accumulated so far is returned along
// with the error.
func Scan(r io.Reader, fn func(Match)) (int, error) {
	br := bufio.NewReader(r)
	count, lineNo := 0, 0
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			if !utf8.ValidString(line) {
				return count, errors.Wrapf(ErrDecode, "line %d: invalid UTF-8", lineNo)
			}
			if sub := markerRe.FindStringSubmatch(line); sub != nil {
				m := Match{Line: lineNo, Raw: sub[1]}
				v, perr := strconv.ParseUint(sub[1], 10, 64)
				if perr != nil {
					m.Overflow = true
				} else {
					m.Value = v
				}
				count++
				if fn != nil {
					fn(m)
				}
			}
		}
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, errors.Wrapf(err, "read line %d", lineNo+1)
		}
	}
}

// File scans path, printing each number as it is found, then a separator and
// the total number of matches. A missing file yields ErrNotFound and prints
// nothing. Any other open or read failure is reported inline and the partial
// total, zero when the file could not be opened, is still printed and
// returned together with the error.
func File(path string, w io.Writer) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errors.Wrap(ErrNotFound, path)
	}
	var count int
	if err != nil {
		err = errors.Wrapf(err, "open %s", path)
	} else {
		defer f.Close()
		count, err = Scan(f, func(m Match) {
			fmt.Fprintln(w, m)
		})
	}
	if err != nil {
		fmt.Fprintf(w, "Error reading file: %v\n", err)
	}
	fmt.Fprintln(w, Separator)
	fmt.Fprintf(w, "Total matches: %d\n", count)

	metrics.AddExtractMatches(count)
	return count, err
}
