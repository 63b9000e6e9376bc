// Package report encodes duplicate groups for people and for other programs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"dupfind/internal/catalog"
)

// Write encodes groups to w in the named format.
func Write(w io.Writer, format string, groups []catalog.DuplicateGroup) error {
	if groups == nil {
		groups = []catalog.DuplicateGroup{}
	}
	switch strings.ToLower(format) {
	case "", "human":
		return writeHuman(w, groups)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"groups": groups})
	case "yaml":
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(map[string]any{"groups": groups}); err != nil {
			return err
		}
		return enc.Close()
	case "fdupes":
		return writeFdupes(w, groups)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// Wasted returns the bytes that would be freed by keeping one file per group.
func Wasted(groups []catalog.DuplicateGroup) uint64 {
	var total uint64
	for _, g := range groups {
		total += uint64(g.Size) * uint64(len(g.Paths)-1)
	}
	return total
}

func writeHuman(w io.Writer, groups []catalog.DuplicateGroup) error {
	renderer := lipgloss.NewRenderer(w)
	header := renderer.NewStyle().Bold(true)
	hash := renderer.NewStyle().Faint(true)

	if len(groups) == 0 {
		_, err := fmt.Fprintln(w, "no duplicates found")
		return err
	}

	for i, g := range groups {
		title := fmt.Sprintf("%d files, %s each", len(g.Paths), humanize.IBytes(uint64(g.Size)))
		if _, err := fmt.Fprintf(w, "%s %s\n", header.Render(title), hash.Render(g.Hash)); err != nil {
			return err
		}
		for _, path := range g.Paths {
			if _, err := fmt.Fprintf(w, "  %s\n", path); err != nil {
				return err
			}
		}
		if i < len(groups)-1 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintf(w, "\n%d groups, %s reclaimable\n", len(groups), humanize.IBytes(Wasted(groups)))
	return err
}

func writeFdupes(w io.Writer, groups []catalog.DuplicateGroup) error {
	for i, g := range groups {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		for _, path := range g.Paths {
			if _, err := fmt.Fprintln(w, path); err != nil {
				return err
			}
		}
	}
	return nil
}
