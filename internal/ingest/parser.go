package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFileType rejects inputs that are neither PDF nor plain text.
// The check runs before any book state is touched.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// SupportedFile reports whether the filename's extension is an accepted
// ingestion input.
func SupportedFile(filename string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".txt":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(filename))
	}
}

func readBookText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return readPDF(path)
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(path))
	}
}

func readPDF(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return sb.String(), nil
}
