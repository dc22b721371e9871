package quotes

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExportFormat names a supported quote export encoding.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// ParseExportFormat validates a user supplied format name.
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case ExportFormatJSON, "":
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// ExportQuotes renders every quote of the guild in the requested format.
func (s *Service) ExportQuotes(ctx context.Context, guildID string, format ExportFormat) ([]byte, error) {
	quotes, err := s.GetAllQuotes(ctx, guildID)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatJSON:
		payload, err := json.MarshalIndent(quotes, "", "  ")
		if err != nil {
			return nil, s.fail(opExportQuotes, "encode_failed", err, guildID)
		}
		return payload, nil
	case ExportFormatCSV:
		var buffer bytes.Buffer
		writer := csv.NewWriter(&buffer)
		_ = writer.Write([]string{"id", "text", "author", "created_at"})
		for _, quote := range quotes {
			_ = writer.Write([]string{
				strconv.FormatInt(quote.ID, 10),
				quote.Text,
				quote.Author,
				quote.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, s.fail(opExportQuotes, "encode_failed", err, guildID)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
