package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lamim/docforge/internal/verify"
)

// lineReverifier asks for a fresh verification proof on a terminal.
// One goroutine owns the reader so an abandoned prompt cannot race the next one.
type lineReverifier struct {
	in   io.Reader
	out  io.Writer
	once sync.Once
	// lines is closed when the reader hits EOF
	lines chan string
}

func newLineReverifier(in io.Reader, out io.Writer) *lineReverifier {
	return &lineReverifier{
		in:    in,
		out:   out,
		lines: make(chan string),
	}
}

func (r *lineReverifier) start() {
	go func() {
		defer close(r.lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
	}()
}

// Reverify prompts for a new proof. An empty answer or EOF declines.
func (r *lineReverifier) Reverify(ctx context.Context) (string, error) {
	r.once.Do(r.start)

	fmt.Fprint(r.out, "\nVerification expired. Paste a new verification token (empty to cancel): ")

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-r.lines:
		if !ok {
			return "", fmt.Errorf("%w: input closed", verify.ErrDeclined)
		}
		proof := strings.TrimSpace(line)
		if proof == "" {
			return "", verify.ErrDeclined
		}
		return proof, nil
	}
}
