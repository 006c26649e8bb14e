// Command taketest runs one timed test attempt in the terminal against the
// backend API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/backend"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/session"
	"golang.org/x/term"
)

func main() {
	cfg := config.Load()

	var (
		backendURL = flag.String("backend", cfg.BackendURL, "Backend API base URL")
		testID     = flag.String("test", "", "Test id to attempt (required)")
		email      = flag.String("email", "", "Login email; skipped when -token or EXSTEM_TOKEN is set")
		token      = flag.String("token", os.Getenv("EXSTEM_TOKEN"), "Bearer token")
		timing     = flag.String("timing", cfg.TimeSpentMode, "Time spent per answer: cumulative or delta")
	)
	flag.Parse()

	log := logger.New(os.Stderr, cfg.LogLevel, "pretty")

	if *testID == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(*backendURL, cfg.BackendTimeout, log)

	if *token == "" {
		t, err := login(ctx, client, *email)
		if err != nil {
			log.Fatal().Err(err).Msg("Login failed")
		}
		*token = t
	}

	def, err := client.FetchTest(ctx, *token, *testID)
	if err != nil {
		log.Fatal().Err(err).Str("test_id", *testID).Msg("Cannot load test")
	}

	r := &runner{
		out:  os.Stdout,
		def:  def,
		done: make(chan struct{}),
		log:  log,
	}

	opts := session.Options{
		TickInterval:      time.Second,
		AutoSubmitRetries: cfg.AutoSubmitRetries,
		AutoSubmitBackoff: cfg.AutoSubmitBackoff,
		Listener:          r.onEvent,
	}
	if *timing == string(session.TimingDelta) {
		opts.Timing = session.TimingDelta
	}

	ctrl, err := session.Start(ctx, def, client.ForToken(*token), opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot start attempt")
	}
	defer ctrl.Stop()
	r.ctrl = ctrl

	fmt.Fprintf(r.out, "%s: %d questions, %s\n", def.Name, len(def.Questions), clock(def.TimeAllottedSeconds))
	fmt.Fprintln(r.out, helpText)
	r.show()

	if err := r.loop(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Attempt ended with error")
		os.Exit(1)
	}
}

// login asks for the email if missing and reads the password without echo.
func login(ctx context.Context, client *backend.Client, email string) (string, error) {
	in := bufio.NewReader(os.Stdin)
	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	var password string
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}

	return client.Login(ctx, email, password)
}

type runner struct {
	out  io.Writer
	def  *model.TestDefinition
	ctrl *session.Controller
	done chan struct{}
	log  zerolog.Logger
}

// onEvent runs on the controller's goroutines.
func (r *runner) onEvent(ev session.Event) {
	switch ev.Type {
	case session.EventTick:
		if warnAt(ev.State.RemainingSeconds) {
			fmt.Fprintf(r.out, "\n[%s left]\n> ", clock(ev.State.RemainingSeconds))
		}
	case session.EventSubmitting:
		if ev.State.Forced {
			fmt.Fprintln(r.out, "\nTime is up, submitting...")
		}
	case session.EventSubmitted:
		fmt.Fprintln(r.out, "\nSubmitted.")
		printSummary(r.out, ev.State)
		close(r.done)
	case session.EventSubmitFailed:
		r.log.Error().Err(ev.Err).Bool("forced", ev.State.Forced).Msg("Submission failed")
		if ev.State.AtRisk {
			fmt.Fprintln(r.out, "Answers could not be submitted and are at risk. Use 's' to retry.")
		}
	}
}

func (r *runner) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Fprint(r.out, "> ")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(r.out, err)
			} else if quit := r.apply(ctx, cmd); quit {
				return nil
			}
			select {
			case <-r.done:
				return nil
			default:
				fmt.Fprint(r.out, "> ")
			}
		}
	}
}

// apply runs one command and reports whether the client should exit.
func (r *runner) apply(ctx context.Context, cmd command) bool {
	var err error
	switch cmd.op {
	case opAnswer:
		st := r.ctrl.State()
		q := r.def.Questions[st.CurrentIndex]
		_, err = r.ctrl.RecordAnswer(q.ID, resolveOption(&q, cmd.arg))
	case opReview:
		st := r.ctrl.State()
		_, err = r.ctrl.ToggleReview(r.def.Questions[st.CurrentIndex].ID)
	case opNext:
		_, err = r.ctrl.Next()
	case opPrev:
		_, err = r.ctrl.Prev()
	case opGoTo:
		_, err = r.ctrl.GoTo(cmd.index - 1)
	case opSubmit:
		_, err = r.ctrl.Submit(ctx)
		if err == nil {
			return true
		}
	case opHelp:
		fmt.Fprintln(r.out, helpText)
		return false
	case opQuit:
		return true
	}
	if err != nil {
		fmt.Fprintln(r.out, "error:", err)
		return false
	}
	r.show()
	return false
}

func (r *runner) show() {
	st := r.ctrl.State()
	q := r.def.Questions[st.CurrentIndex]

	fmt.Fprintf(r.out, "\nQ%d/%d [%s] %s left\n", st.CurrentIndex+1, len(r.def.Questions), st.Palette[q.ID], clock(st.RemainingSeconds))
	fmt.Fprintln(r.out, q.Prompt)
	for i, o := range q.Options {
		fmt.Fprintf(r.out, "  %d) %s\n", i+1, o.Content)
	}
	if ans, ok := st.Answers[q.ID]; ok {
		fmt.Fprintf(r.out, "Your answer: %s\n", ans.Value)
	}
}

func printSummary(w io.Writer, st model.SessionState) {
	fmt.Fprintf(w, "Attempted %d of %d, marked %d\n", st.Stats.Attempted, st.Stats.Total, st.Stats.Marked)
	if st.Result != nil {
		if st.Result.ResultID != "" {
			fmt.Fprintf(w, "Result id: %s\n", st.Result.ResultID)
		}
		if st.Result.TotalMarks > 0 {
			fmt.Fprintf(w, "Score: %g / %g\n", st.Result.Score, st.Result.TotalMarks)
		}
	}
}

func warnAt(remaining int) bool {
	switch remaining {
	case 600, 300, 60, 30, 10:
		return true
	}
	return false
}

func clock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
