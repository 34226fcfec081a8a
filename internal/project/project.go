// Package project reads the instructions file at the root of the caller's
// project so agents can follow its conventions.
package project

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files are tried in order; the first one found wins.
var Files = []string{"RELAY.md", "AGENTS.md"}

var ErrNotFound = errors.New("no project instructions file")

type Context struct {
	Source       string
	Title        string
	Commands     []string
	Style        []string
	Architecture []string
	Notes        []string
}

// Load reads the first instructions file found in root.
func Load(root string) (*Context, error) {
	for _, name := range Files {
		data, err := os.ReadFile(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c := parse(string(data))
		c.Source = name
		return c, nil
	}
	return nil, fmt.Errorf("%s: %w", root, ErrNotFound)
}

// parse sorts the lines of a markdown file by the "## " section they
// appear under. Unrecognized sections become notes.
func parse(raw string) *Context {
	c := &Context{}
	var section *[]string

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "# "):
			c.Title = strings.TrimPrefix(line, "# ")
			continue
		case strings.HasPrefix(line, "## "):
			header := strings.ToLower(strings.TrimPrefix(line, "## "))
			switch {
			case strings.Contains(header, "command"):
				section = &c.Commands
			case strings.Contains(header, "style"), strings.Contains(header, "convention"):
				section = &c.Style
			case strings.Contains(header, "architecture"), strings.Contains(header, "structure"):
				section = &c.Architecture
			default:
				section = &c.Notes
			}
			continue
		}
		if section == nil {
			section = &c.Notes
		}
		*section = append(*section, line)
	}
	return c
}

// Prompt formats c for a system prompt.
func (c *Context) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<project_context source=%q>\n", c.Source)
	if c.Title != "" {
		fmt.Fprintf(&b, "Project: %s\n", c.Title)
	}
	writeSection(&b, "Code style", c.Style)
	writeSection(&b, "Commands", c.Commands)
	writeSection(&b, "Architecture", c.Architecture)
	writeSection(&b, "Notes", c.Notes)
	b.WriteString("</project_context>")
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
}
