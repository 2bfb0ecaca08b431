package data

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/labauto/param"
)

// FITS header values are limited to 68 characters of text
const maxCardText = 68

func truncate(s string) string {
	if len(s) > maxCardText {
		return s[:maxCardText]
	}
	return s
}

// WriteFITS streams the filled rows to w as a FITS binary table named DATA,
// after an empty primary HDU.  Comments are written as CMTn cards and
// parameters, in their text form, as PARAMn cards.
func (d *Data) WriteFITS(w io.Writer) (err error) {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	primary := fitsio.NewImage(8, nil)
	defer func() { err = multierr.Append(err, primary.Close()) }()
	if err = f.Write(primary); err != nil {
		return err
	}

	cols := make([]fitsio.Column, len(d.schema))
	for i, fld := range d.schema {
		cols[i] = fitsio.Column{Name: fld.Name, Format: d.fitsFormat(i)}
	}
	tbl, err := fitsio.NewTable("DATA", cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, tbl.Close()) }()

	cards := make([]fitsio.Card, 0, len(d.comments)+len(d.params))
	for i, c := range d.comments {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CMT%d", i+1), Value: truncate(c)})
	}
	for i, p := range d.params {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("PARAM%d", i+1), Value: truncate(p.String())})
	}
	if err = tbl.Header().Append(cards...); err != nil {
		return err
	}

	ptrs := make([]interface{}, len(d.cols))
	for i := 0; i < d.fill; i++ {
		for j := range d.cols {
			switch d.cols[j].kind {
			case param.Int:
				v := d.cols[j].ints[i]
				ptrs[j] = &v
			case param.Float:
				v := d.cols[j].floats[i]
				ptrs[j] = &v
			default:
				v := d.cols[j].strs[i]
				ptrs[j] = &v
			}
		}
		if err = tbl.Write(ptrs...); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	return f.Write(tbl)
}

// fitsFormat is the TFORM of column j: J for int32, E for float32, and nA
// for strings, n being the longest filled value
func (d *Data) fitsFormat(j int) string {
	switch d.cols[j].kind {
	case param.Int:
		return "J"
	case param.Float:
		return "E"
	default:
		width := 1
		for _, s := range d.cols[j].strs[:d.fill] {
			if len(s) > width {
				width = len(s)
			}
		}
		return fmt.Sprintf("%dA", width)
	}
}
