package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter reads answers for interactive commands.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	// readSecret reads a line without echo; replaced in tests.
	readSecret func() (string, error)
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}
	p.readSecret = func() (string, error) {
		fd := int(os.Stdin.Fd())
		if f, ok := in.(*os.File); ok && f == os.Stdin && term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			return string(b), err
		}
		return p.line()
	}
	return p
}

func (p *prompter) line() (string, error) {
	s, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// ask prints question with its default and returns the answer or def.
func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	answer, err := p.line()
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// askSecret reads a secret. An empty answer keeps current.
func (p *prompter) askSecret(question, current string) (string, error) {
	if current != "" {
		fmt.Fprintf(p.out, "%s [keep current]: ", question)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	answer, err := p.readSecret()
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return current, nil
	}
	return answer, nil
}
