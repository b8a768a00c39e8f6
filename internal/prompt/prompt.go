// Package prompt reads interactive answers from a terminal with
// cancellation support.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrAborted signals that input was interrupted, by Ctrl+C cancelling the
// context or by stdin being closed.
var ErrAborted = errors.New("input aborted")

// IsAborted reports whether err comes from an interrupted prompt.
func IsAborted(err error) bool {
	return err != nil && (errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled))
}

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In  *bufio.Reader
	Out io.Writer

	// ReadPassword reads a line without echo from the file descriptor Fd.
	ReadPassword func(fd int) ([]byte, error)
	Fd           int
}

// NewTerminal returns a Prompter bound to stdin and stderr.
func NewTerminal() *Prompter {
	return &Prompter{
		In:           bufio.NewReader(os.Stdin),
		Out:          os.Stderr,
		ReadPassword: term.ReadPassword,
		Fd:           int(os.Stdin.Fd()),
	}
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Line asks question and returns the trimmed answer, or def when empty.
func (p *Prompter) Line(ctx context.Context, question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.Out, "%s: ", question)
	}
	line, err := await(ctx, func() (string, error) { return p.In.ReadString('\n') })
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// Confirm asks a yes/no question until it gets a valid answer.
func (p *Prompter) Confirm(ctx context.Context, question string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	for {
		answer, err := p.Line(ctx, question+" ("+hint+")", "")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.Out, "Please answer with 'y' or 'n'.")
	}
}

// Password reads a secret without echo. Empty answers are rejected.
func (p *Prompter) Password(ctx context.Context, question string) (string, error) {
	if p.ReadPassword == nil {
		return "", errors.New("password reader not configured")
	}
	for {
		fmt.Fprintf(p.Out, "%s: ", question)
		secret, err := await(ctx, func() (string, error) {
			b, err := p.ReadPassword(p.Fd)
			return string(b), err
		})
		fmt.Fprintln(p.Out)
		if err != nil {
			return "", err
		}
		if secret = strings.TrimRight(secret, "\r\n"); secret != "" {
			return secret, nil
		}
		fmt.Fprintln(p.Out, "Value cannot be empty.")
	}
}

// await runs read in a goroutine so a cancelled ctx unblocks the caller.
// A read blocked on stdin is abandoned, not interrupted.
func await(ctx context.Context, read func() (string, error)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		value string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read()
		ch <- result{value: v, err: mapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrAborted
	case res := <-ch:
		if res.err != nil && errors.Is(res.err, ErrAborted) && res.value != "" {
			// last line without a trailing newline
			return res.value, nil
		}
		return res.value, res.err
	}
}

// mapInputError folds EOF and closed-descriptor errors into ErrAborted.
func mapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrAborted
	}
	msg := strings.ToLower(err.Error())
	for _, closed := range []string{"use of closed file", "bad file descriptor", "file already closed"} {
		if strings.Contains(msg, closed) {
			return ErrAborted
		}
	}
	return err
}
