package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// csvPreviewRows is how many data records a CSV preview includes.
const csvPreviewRows = 30

func extractImage(_ context.Context, f File) (*Result, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return &Result{InlineImage: &InlineImage{MIMEType: f.MIMEType, Data: data}}, nil
}

func extractText(_ context.Context, f File) (*Result, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return &Result{Text: strings.ToValidUTF8(string(data), "\uFFFD")}, nil
}

func extractPDF(_ context.Context, f File) (res *Result, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	file, reader, err := pdf.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return nil, err
	}
	return &Result{Text: strings.TrimSpace(buf.String())}, nil
}

// extractDOCX reads word/document.xml and keeps the text runs, with a newline
// per paragraph.
func extractDOCX(_ context.Context, f File) (*Result, error) {
	zr, err := zip.OpenReader(f.Path)
	if err != nil {
		return nil, fmt.Errorf("not a docx archive: %w", err)
	}
	defer zr.Close()

	var doc *zip.File
	for _, zf := range zr.File {
		if zf.Name == "word/document.xml" {
			doc = zf
			break
		}
	}
	if doc == nil {
		return nil, errors.New("docx archive has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return &Result{Text: strings.TrimSpace(sb.String())}, nil
}

// extractCSV renders the first rows as indented JSON objects keyed by the
// header row.
func extractCSV(_ context.Context, f File) (*Result, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return &Result{Text: "CSV preview: (empty file)"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	records := make([]json.RawMessage, 0, csvPreviewRows)
	for len(records) < csvPreviewRows {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(records)+1, err)
		}
		rec, err := csvRecord(header, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{Text: fmt.Sprintf("CSV preview (first %d rows):\n%s", len(records), out)}, nil
}

// csvRecord renders row as a JSON object whose keys follow the header order.
func csvRecord(header, row []string) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range header {
		if i > 0 {
			buf.WriteByte(',')
		}
		value := ""
		if i < len(row) {
			value = row[i]
		}
		k, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// extractXLSX converts the first sheet to CSV text.
func extractXLSX(_ context.Context, f File) (*Result, error) {
	wb, err := excelize.OpenFile(f.Path)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return &Result{Text: "XLSX preview: (no sheets)"}, nil
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return &Result{Text: fmt.Sprintf("XLSX preview (sheet %q):\n%s", sheets[0], strings.TrimRight(buf.String(), "\n"))}, nil
}
