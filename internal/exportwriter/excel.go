package exportwriter

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"os"
)

// ExcelRowCap bounds how many rows ToExcel will convert; above this the
// CSV chunks are the only export format. No third-party xlsx writer is
// wired in, so this builds the OOXML spreadsheet parts directly with
// archive/zip + encoding/xml instead.
const ExcelRowCap = 200_000

type sheetData struct {
	XMLName xml.Name   `xml:"sheetData"`
	Rows    []sheetRow `xml:"row"`
}

type sheetRow struct {
	R     int        `xml:"r,attr"`
	Cells []sheetCell `xml:"c"`
}

type sheetCell struct {
	T     string `xml:"t,attr"`
	Value string `xml:"is>t"`
}

// ToExcel converts one CSV chunk file into a minimal single-sheet .xlsx
// workbook at xlsxPath. Returns an error if the chunk has more than
// ExcelRowCap data rows.
func ToExcel(csvPath, xlsxPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("exportwriter: open csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(bufio.NewReader(f))
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("exportwriter: read csv: %w", err)
	}
	dataRows := len(records) - 1 // header excluded
	if dataRows > ExcelRowCap {
		return fmt.Errorf("exportwriter: chunk exceeds excel row cap (%d > %d)", dataRows, ExcelRowCap)
	}

	out, err := os.Create(xlsxPath)
	if err != nil {
		return fmt.Errorf("exportwriter: create xlsx: %w", err)
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)
	if err := writeXLSXParts(zw, records); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func writeXLSXParts(zw *zip.Writer, records [][]string) error {
	parts := map[string]string{
		"[Content_Types].xml": contentTypesXML,
		"_rels/.rels":         relsXML,
		"xl/workbook.xml":     workbookXML,
		"xl/_rels/workbook.xml.rels": workbookRelsXML,
	}
	for name, content := range parts {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("exportwriter: zip entry %s: %w", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return fmt.Errorf("exportwriter: write zip entry %s: %w", name, err)
		}
	}

	sheet, err := zw.Create("xl/worksheets/sheet1.xml")
	if err != nil {
		return fmt.Errorf("exportwriter: zip entry sheet1.xml: %w", err)
	}
	data := sheetData{}
	for i, record := range records {
		row := sheetRow{R: i + 1}
		for _, v := range record {
			row.Cells = append(row.Cells, sheetCell{T: "inlineStr", Value: v})
		}
		data.Rows = append(data.Rows, row)
	}
	if _, err := sheet.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("exportwriter: write sheet header: %w", err)
	}
	enc := xml.NewEncoder(sheet)
	worksheetOpen := `<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">`
	if _, err := sheet.Write([]byte(worksheetOpen)); err != nil {
		return fmt.Errorf("exportwriter: write worksheet open: %w", err)
	}
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("exportwriter: encode sheet data: %w", err)
	}
	if _, err := sheet.Write([]byte("</worksheet>")); err != nil {
		return fmt.Errorf("exportwriter: write worksheet close: %w", err)
	}
	return nil
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>
  <Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>
</Relationships>`

const workbookXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <sheets>
    <sheet name="Sheet1" sheetId="1" r:id="rId1"/>
  </sheets>
</workbook>`

const workbookRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>
</Relationships>`
