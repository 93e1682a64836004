// Package tabular parses uploaded recipient files (CSV and friends)
// into campaign recipients.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/bissquit/sms-courier/internal/domain"
)

var (
	// ErrEmptySource indicates the upload had no data rows.
	ErrEmptySource = errors.New("tabular source is empty")
	// ErrNoPhoneColumn indicates no header looked phone-bearing.
	ErrNoPhoneColumn = errors.New("no phone column detected")
)

// phoneHints are header substrings that mark a column as phone-bearing,
// in priority order.
var phoneHints = []string{"phone", "mobile", "msisdn", "tel"}

// Parse decodes the source into recipients. The first row is the
// header: its cells become attribute names. Exactly one column must
// look like a phone column; its name is recorded on every recipient so
// dispatch does not re-detect per row.
func Parse(source []byte) ([]domain.Recipient, error) {
	rows, err := readRows(source)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, ErrEmptySource
	}

	header := rows[0]
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
	}

	phoneField, ok := detectPhoneColumn(header)
	if !ok {
		return nil, ErrNoPhoneColumn
	}

	recipients := make([]domain.Recipient, 0, len(rows)-1)
	for idx, row := range rows[1:] {
		if blankRow(row) {
			continue
		}

		attrs := make(map[string]string, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			var val string
			if i < len(row) {
				val = strings.TrimSpace(row[i])
			}
			attrs[name] = val
		}

		recipients = append(recipients, domain.Recipient{
			Attrs:         attrs,
			PhoneField:    phoneField,
			OriginalIndex: idx,
		})
	}

	if len(recipients) == 0 {
		return nil, ErrEmptySource
	}
	return recipients, nil
}

// readRows decodes text encoding, sniffs the delimiter, and reads all
// rows. Ragged rows are tolerated; missing trailing cells become empty
// attributes.
func readRows(source []byte) ([][]string, error) {
	text, err := decodeText(source)
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, ErrEmptySource
	}

	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeText normalizes the upload to UTF-8. Spreadsheet exports show
// up as UTF-8 with a BOM or as UTF-16 of either endianness; the BOM
// policy handles all three and passes plain UTF-8 through untouched.
func decodeText(source []byte) ([]byte, error) {
	if len(source) >= 2 {
		bom := [2]byte{source[0], source[1]}
		if bom == [2]byte{0xFF, 0xFE} || bom == [2]byte{0xFE, 0xFF} {
			dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
			return io.ReadAll(transform.NewReader(bytes.NewReader(source), dec))
		}
	}
	return bytes.TrimPrefix(source, []byte{0xEF, 0xBB, 0xBF}), nil
}

// sniffDelimiter picks the separator by counting candidates on the
// header line. Comma wins ties, it is by far the most common export.
func sniffDelimiter(text []byte) rune {
	line := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}

	best := ','
	bestCount := bytes.Count(line, []byte{','})
	for _, cand := range []byte{';', '\t'} {
		if n := bytes.Count(line, []byte{cand}); n > bestCount {
			best = rune(cand)
			bestCount = n
		}
	}
	return best
}

// detectPhoneColumn returns the first header matching a phone hint.
// Hints are checked in priority order across the whole header, so a
// "phone" column beats a "mobile" one regardless of position.
func detectPhoneColumn(header []string) (string, bool) {
	for _, hint := range phoneHints {
		for _, name := range header {
			if name != "" && strings.Contains(strings.ToLower(name), hint) {
				return name, true
			}
		}
	}
	return "", false
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
