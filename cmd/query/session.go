package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/capitalize-ai/query-stream/internal/service"
)

const prompt = "> "

// session renders one interactive conversation on a terminal.
type session struct {
	svc    *service.QueryService
	out    io.Writer
	errOut io.Writer

	// printed is what has been streamed to out for the current answer.
	printed strings.Builder
}

func newSession(out, errOut io.Writer) *session {
	return &session{out: out, errOut: errOut}
}

func (s *session) onChunk(text string, index int) {
	fmt.Fprint(s.out, text)
	s.printed.WriteString(text)
}

// interrupt stops the answer being streamed. It reports false when there was
// nothing to stop.
func (s *session) interrupt() bool {
	if !s.svc.IsStreaming() {
		return false
	}
	s.svc.CancelStream()
	return true
}

// ask streams one answer to out and reports whether any content was shown.
func (s *session) ask(ctx context.Context, question string) bool {
	s.printed.Reset()
	ok := s.svc.ExecuteQueryStream(ctx, question)

	if ok {
		// Print whatever the settled answer added after the streamed text,
		// such as a truncation notice.
		msgs := s.svc.Conversation()
		if n := len(msgs); n > 0 {
			final := msgs[n-1].Content
			if rest, found := strings.CutPrefix(final, s.printed.String()); found {
				fmt.Fprint(s.out, rest)
			}
		}
		fmt.Fprintln(s.out)
	}

	if msg := s.svc.Error(); msg != "" {
		fmt.Fprintln(s.errOut, "error:", msg)
	}
	return ok
}

// loop reads questions and commands from in until it is exhausted or /quit.
func (s *session) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(s.out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/reset":
			s.svc.Reset()
			fmt.Fprintln(s.out, "conversation cleared")
		case "/history":
			s.history()
		default:
			s.ask(ctx, line)
		}

		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(s.out, prompt)
	}
	return scanner.Err()
}

func (s *session) history() {
	msgs := s.svc.Conversation()
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, "(empty conversation)")
		return
	}
	for i, m := range msgs {
		fmt.Fprintf(s.out, "%3d  %s  %-9s %s\n", i, m.CreatedAt.Format(time.Kitchen), m.Role, m.Content)
	}
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid --timeout %q: must not be negative", s)
	}
	return d, nil
}
