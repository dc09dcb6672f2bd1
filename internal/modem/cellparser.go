package modem

import (
	"strconv"
	"strings"
)

// CellTable is the row-major string matrix produced by ParseCellTable,
// bounded to 64 rows x 16 columns (spec.md §4.2).
type CellTable [][]string

const (
	maxCellRows = 64
	maxCellCols = 16
)

// ParseCellTable tokenizes the vendor-specific +SPENGMD response (spec.md
// §4.2). It is implemented as an explicit two-state machine over the `-`
// character (spec.md §9 "AT parser"), tracking only the previous and next
// rune so no shared global buffer is needed:
//
//   - a lone '-' terminates the current row;
//   - "--" also terminates the row; the second '-' marks the start of the
//     next one and is consumed without adding a character to it;
//   - ",-" is a literal negative sign inside a field, not a terminator.
//
// Fields within a row are comma-separated and whitespace-trimmed.
func ParseCellTable(atResponse string) CellTable {
	body := strings.TrimSuffix(strings.TrimSpace(atResponse), "OK")
	body = strings.TrimSpace(body)
	body = strings.ReplaceAll(body, "\r", "")
	body = strings.ReplaceAll(body, "\n", "")

	var table CellTable
	var row strings.Builder
	runes := []rune(body)

	flushRow := func() {
		if row.Len() == 0 {
			return
		}
		fields := splitTrim(row.String())
		if len(fields) > maxCellCols {
			fields = fields[:maxCellCols]
		}
		table = append(table, fields)
		row.Reset()
	}

	for i := 0; i < len(runes); i++ {
		if len(table) >= maxCellRows {
			break
		}
		cur := runes[i]
		if cur != '-' {
			row.WriteRune(cur)
			continue
		}

		prev := rune(0)
		if i > 0 {
			prev = runes[i-1]
		}
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		if prev == ',' {
			// ",-" is a negative-sign literal inside the current row.
			row.WriteRune(cur)
			continue
		}

		if next == '-' {
			// "--" terminates the row; the second '-' starts the next row
			// and is skipped here, so the next row begins with the
			// character after it.
			flushRow()
			i++ // consume the second '-': it does not start a new field by itself
			continue
		}

		// A lone '-' terminates the row.
		flushRow()
	}
	flushRow()

	return table
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// CellInfo is the decoded, numeric view of one cell measurement row
// (spec.md §4.2: band, ARFCN, PCI, RSRP, RSRQ, SINR; last three /100).
type CellInfo struct {
	NetworkType string
	Band        int
	ARFCN       int
	PCI         int
	RSRP        float64
	RSRQ        float64
	SINR        float64
}

// DecodeCellInfo extracts 4G info from rows 0..33 and 5G info from rows
// 0..15 of the table, per spec.md §4.2. 4G rows are tried first; if none
// decode, the 5G rows are tried.
func DecodeCellInfo(table CellTable) (*CellInfo, bool) {
	if info, ok := decodeRows(table, 0, 33, "lte"); ok {
		return info, true
	}
	if info, ok := decodeRows(table, 0, 15, "nr"); ok {
		return info, true
	}
	return nil, false
}

func decodeRows(table CellTable, from, to int, networkType string) (*CellInfo, bool) {
	for r := from; r <= to && r < len(table); r++ {
		row := table[r]
		if len(row) < 6 {
			continue
		}
		band, err1 := strconv.Atoi(row[0])
		arfcn, err2 := strconv.Atoi(row[1])
		pci, err3 := strconv.Atoi(row[2])
		rsrpRaw, err4 := strconv.Atoi(row[3])
		rsrqRaw, err5 := strconv.Atoi(row[4])
		sinrRaw, err6 := strconv.Atoi(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
			continue
		}
		return &CellInfo{
			NetworkType: networkType,
			Band:        band,
			ARFCN:       arfcn,
			PCI:         pci,
			RSRP:        float64(rsrpRaw) / 100,
			RSRQ:        float64(rsrqRaw) / 100,
			SINR:        float64(sinrRaw) / 100,
		}, true
	}
	return nil, false
}
