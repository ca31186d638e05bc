// Package bomfile reads uploaded BOM files (CSV, XLSX, YAML) into line items.
package bomfile

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// ErrUnsupportedFormat is returned for file extensions with no reader.
var ErrUnsupportedFormat = eris.New("bomfile: unsupported format")

// ErrMissingColumn is returned when the header has no MPN column.
var ErrMissingColumn = eris.New("bomfile: missing mpn column")

// Header aliases, matched case-insensitively after trimming.
var columnAliases = map[string]string{
	"mpn":                      "mpn",
	"part number":              "mpn",
	"part_number":              "mpn",
	"partnumber":               "mpn",
	"manufacturer part number": "mpn",
	"mfr part number":          "mpn",
	"mfr_pn":                   "mpn",
	"pn":                       "mpn",
	"manufacturer":             "manufacturer",
	"mfr":                      "manufacturer",
	"mfg":                      "manufacturer",
	"vendor":                   "manufacturer",
	"quantity":                 "quantity",
	"qty":                      "quantity",
	"description":              "description",
	"desc":                     "description",
}

// Parse reads the file at path and returns its line items. IDs are derived
// from bomID and the 1-based row position so re-imports are stable.
func Parse(ctx context.Context, bomID, path string) ([]model.LineItem, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := readCSV(ctx, path)
		if err != nil {
			return nil, err
		}
		return fromRows(bomID, rows)
	case ".xlsx":
		rows, err := readXLSX(path)
		if err != nil {
			return nil, err
		}
		return fromRows(bomID, rows)
	case ".yaml", ".yml":
		return readYAML(bomID, path)
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "bomfile: %s", filepath.Base(path))
	}
}

// Count returns the number of line items Parse would produce.
func Count(ctx context.Context, path string) (int, error) {
	items, err := Parse(ctx, "count", path)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// LineItemID builds the stable id for the item at position.
func LineItemID(bomID string, position int) string {
	return bomID + ":" + strconv.Itoa(position)
}

type columns struct {
	mpn, manufacturer, quantity, description int
}

func mapHeader(header []string) (columns, error) {
	cols := columns{mpn: -1, manufacturer: -1, quantity: -1, description: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		var dst *int
		switch columnAliases[name] {
		case "mpn":
			dst = &cols.mpn
		case "manufacturer":
			dst = &cols.manufacturer
		case "quantity":
			dst = &cols.quantity
		case "description":
			dst = &cols.description
		default:
			continue
		}
		// First matching column wins.
		if *dst < 0 {
			*dst = i
		}
	}
	if cols.mpn < 0 {
		return cols, ErrMissingColumn
	}
	return cols, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func fromRows(bomID string, rows [][]string) ([]model.LineItem, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	var items []model.LineItem
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		qty, err := parseQuantity(cell(row, cols.quantity))
		if err != nil {
			return nil, eris.Wrapf(err, "bomfile: row %d", i+2)
		}
		pos := len(items) + 1
		items = append(items, model.LineItem{
			ID:           LineItemID(bomID, pos),
			BOMID:        bomID,
			Position:     pos,
			MPN:          cell(row, cols.mpn),
			Manufacturer: cell(row, cols.manufacturer),
			Quantity:     qty,
			Description:  cell(row, cols.description),
		})
	}
	return items, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseQuantity(s string) (int, error) {
	if s == "" {
		return 1, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return int(f), nil
}
