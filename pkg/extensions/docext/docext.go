// Package docext provides the built-in documents extension: text
// extraction from PDF, Word and spreadsheet files in the agent's working
// directory.
package docext

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/mitchellh/mapstructure"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/ensemble-ai/ensemble/pkg/extensions"
)

type Extension struct{}

func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string {
	return "documents"
}

func (e *Extension) Commands() []extensions.Command {
	pathArg := extensions.Arg{Name: "path", Type: "string", Description: "File path", Required: true}
	return []extensions.Command{
		{
			Name:        "read_pdf",
			DisplayName: "Read PDF",
			Description: "Extract plain text from a PDF file",
			Category:    extensions.CategoryTool,
			Args:        []extensions.Arg{pathArg},
		},
		{
			Name:        "read_docx",
			DisplayName: "Read Word Document",
			Description: "Extract plain text from a .docx file",
			Category:    extensions.CategoryTool,
			Args:        []extensions.Arg{pathArg},
		},
		{
			Name:        "read_spreadsheet",
			DisplayName: "Read Spreadsheet",
			Description: "Extract cell values from an .xlsx file",
			Category:    extensions.CategoryTool,
			Args: []extensions.Arg{
				pathArg,
				{Name: "sheet", Type: "string", Description: "Sheet name, defaults to all sheets"},
			},
		},
	}
}

func (e *Extension) Execute(ctx context.Context, command string, args map[string]any, ec extensions.ExecContext) (string, error) {
	var in struct {
		Path  string `mapstructure:"path"`
		Sheet string `mapstructure:"sheet"`
	}
	if err := mapstructure.Decode(args, &in); err != nil {
		return "", err
	}

	path, err := extensions.ResolvePath(ec.Agent, in.Path)
	if err != nil {
		return "", err
	}

	switch command {
	case "read_pdf":
		return readPDF(path)
	case "read_docx":
		return readDocx(path)
	case "read_spreadsheet":
		return readSpreadsheet(path, in.Sheet)
	default:
		return "", fmt.Errorf("%w: %s", extensions.ErrCommandUnknown, command)
	}
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var (
	docxParagraph = regexp.MustCompile(`</w:p>`)
	docxTag       = regexp.MustCompile(`<[^>]+>`)
)

func readDocx(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	// The library exposes the raw document XML; paragraph boundaries
	// become newlines, every other tag is stripped.
	content := r.Editable().GetContent()
	content = docxParagraph.ReplaceAllString(content, "\n")
	content = docxTag.ReplaceAllString(content, "")
	return strings.TrimSpace(content), nil
}

func readSpreadsheet(path, sheet string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if sheet != "" {
		sheets = []string{sheet}
	}

	var out strings.Builder
	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", name, err)
		}
		if len(sheets) > 1 {
			fmt.Fprintf(&out, "## %s\n", name)
		}
		for _, row := range rows {
			out.WriteString(strings.Join(row, "\t"))
			out.WriteString("\n")
		}
	}
	return strings.TrimSpace(out.String()), nil
}

var _ extensions.Extension = (*Extension)(nil)
