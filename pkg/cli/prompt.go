// Package cli provides interactive terminal prompts for the setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next trimmed line. Once input is exhausted every call
// returns "" and EOF reports true, so validation loops fall back to defaults
// instead of spinning.
func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.eof || !p.scanner.Scan() {
		p.eof = true
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

// EOF reports whether the input stream has been exhausted.
func (p *Prompter) EOF() bool { return p.eof }

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints question with an optional default and reads one line. An empty
// answer yields defaultVal.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskValid repeats Ask until check accepts the answer. If input runs out the
// default is returned even when check rejects it.
func (p *Prompter) AskValid(question, defaultVal string, check func(string) error) string {
	for {
		ans := p.Ask(question, defaultVal)
		err := check(ans)
		if err == nil || p.eof {
			return ans
		}
		p.printf("  %v\n", err)
	}
}

// AskSecret reads a line without echo when In is a terminal, and falls back
// to a plain read otherwise (pipes, tests).
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// Choose prints a numbered option list and returns the selected option.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	ans := p.AskValid("Choice", strconv.Itoa(defaultIdx+1), func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("please enter a number between 1 and %d", len(options))
		}
		return nil
	})
	n, err := strconv.Atoi(ans)
	if err != nil || n < 1 || n > len(options) {
		return options[defaultIdx]
	}
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
