// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the compliance CLI.
//
// A Printer writes styled output when its writer is a terminal and plain
// tab separated lines otherwise, so `compliance verify | grep` and CI logs
// get stable text.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette
var (
	ColorTealBright = lipgloss.Color("#2CD7C7")
	ColorTealDeep   = lipgloss.Color("#16858E")
	ColorSlate      = lipgloss.Color("#2C4A54")
	ColorWarning    = lipgloss.Color("#F4D03F")
	ColorError      = lipgloss.Color("#E74C3C")
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconAnchor  Icon = "⚓"
)

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
	errBox  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		bold:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorTealBright),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		box:     r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorTealDeep).Padding(0, 1),
		errBox:  r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorError).Padding(0, 1),
	}
}

// Printer writes status lines, fields and boxes.
type Printer struct {
	w       io.Writer
	machine bool
	s       styles
}

// NewPrinter styles output only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return newPrinter(w, !IsTerminal(w))
}

// NewMachinePrinter always writes plain lines.
func NewMachinePrinter(w io.Writer) *Printer {
	return newPrinter(w, true)
}

func newPrinter(w io.Writer, machine bool) *Printer {
	return &Printer{w: w, machine: machine, s: newStyles(lipgloss.NewRenderer(w))}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Machine reports whether output is plain.
func (p *Printer) Machine() bool { return p.machine }

// Title prints a heading. Omitted in machine mode.
func (p *Printer) Title(text string) {
	if p.machine {
		return
	}
	fmt.Fprintln(p.w, p.s.title.Render(text))
}

// Success prints an OK line.
func (p *Printer) Success(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "OK\t%s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.s.success.Render(string(IconSuccess)), p.s.success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "WARN\t%s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.s.warning.Render(string(IconWarning)), p.s.warning.Render(text))
}

// Error prints a failure line.
func (p *Printer) Error(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "ERROR\t%s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.s.err.Render(string(IconError)), p.s.err.Render(text))
}

// Field prints one key/value pair.
func (p *Printer) Field(key string, value any) {
	if p.machine {
		fmt.Fprintf(p.w, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "%s %s %v\n", p.s.muted.Render("│"), p.s.bold.Render(key+":"), value)
}

// Box prints lines inside a rounded border; failed selects the error color.
//
// In machine mode each line is written as "title\tline".
func (p *Printer) Box(title string, lines []string, failed bool) {
	if p.machine {
		for _, l := range lines {
			fmt.Fprintf(p.w, "%s\t%s\n", title, l)
		}
		return
	}
	style, head := p.s.box, p.s.title
	if failed {
		style, head = p.s.errBox, p.s.err.Bold(true)
	}
	fmt.Fprintln(p.w, style.Render(head.Render(title)+"\n"+strings.Join(lines, "\n")))
}

// Counts prints a one-line "<n> label" summary.
func (p *Printer) Counts(pairs ...any) {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		label, n := fmt.Sprint(pairs[i]), fmt.Sprint(pairs[i+1])
		if p.machine {
			parts = append(parts, label+"="+n)
		} else {
			parts = append(parts, p.s.bold.Render(n)+" "+p.s.muted.Render(label))
		}
	}
	if p.machine {
		fmt.Fprintf(p.w, "SUMMARY\t%s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintln(p.w, strings.Join(parts, "  "))
}
