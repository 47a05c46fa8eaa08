// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
)

// Usage appends the documentation of every flag in fs to txt.
func Usage(txt string, fs *flag.FlagSet) string {
	var out bytes.Buffer
	out.WriteString(strings.TrimSpace(txt))
	out.WriteString("\n")

	if fs == nil {
		return strings.TrimRight(out.String(), "\n")
	}

	printTitle(&out, "Command Options")
	fs.VisitAll(func(f *flag.Flag) {
		printFlag(&out, f)
	})
	return strings.TrimRight(out.String(), "\n")
}

func printTitle(w *bytes.Buffer, s string) {
	fmt.Fprintf(w, "\n%s\n\n", s)
}

func printFlag(w *bytes.Buffer, f *flag.Flag) {
	example, _ := flag.UnquoteUsage(f)
	if example != "" {
		fmt.Fprintf(w, "  -%s=<%s>\n", f.Name, example)
	} else {
		fmt.Fprintf(w, "  -%s\n", f.Name)
	}

	indented := wrapAtLength(f.Usage, 5)
	fmt.Fprintf(w, "%s\n\n", indented)
}

// maxLineLength is the maximum width of any line.
const maxLineLength = 72

// wrapAtLength wraps s at maxLineLength and indents every line by pad
// spaces.
func wrapAtLength(s string, pad int) string {
	indent := strings.Repeat(" ", pad)
	var lines []string
	line := indent
	for _, word := range strings.Fields(s) {
		if len(line)+len(word)+1 > maxLineLength && strings.TrimSpace(line) != "" {
			lines = append(lines, line)
			line = indent
		}
		if strings.TrimSpace(line) != "" {
			line += " "
		}
		line += word
	}
	lines = append(lines, line)
	return strings.Join(lines, "\n")
}
