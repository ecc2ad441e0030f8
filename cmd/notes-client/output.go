package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"

	titleColumnWidth = 40
)

func writeNotes(out io.Writer, format string, listed []notes.Note) error {
	if listed == nil {
		listed = []notes.Note{}
	}
	switch strings.ToLower(format) {
	case outputTable, "":
		return writeTable(out, listed)
	case outputJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(listed)
	case outputYAML:
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(listed); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func writeTable(out io.Writer, listed []notes.Note) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTITLE\tUPDATED\tDELETED")
	for _, note := range listed {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\n", note.ID, truncate(note.Title), note.UpdatedAt, note.Deleted)
	}
	return writer.Flush()
}

func truncate(value string) string {
	runes := []rune(strings.ReplaceAll(value, "\n", " "))
	if len(runes) <= titleColumnWidth {
		return string(runes)
	}
	return string(runes[:titleColumnWidth-1]) + "…"
}
