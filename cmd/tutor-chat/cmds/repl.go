package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/render"
	"github.com/go-go-golems/tutor-chat/pkg/session"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

const replHelp = `commands:
  /image <path>          queue an image for the next message
  /images                list queued images
  /remove <n>            drop queued image n
  /answer                pick an answer to the tutor's question
  /copy                  copy the last tutor reply to the clipboard
  /login <id> <pass>     log in
  /register <name> <pass> create an account
  /quit                  leave
anything else is sent to the tutor; while a question is pending, a number
picks that option.`

// chatSession is the part of session.Session the REPL drives.
type chatSession interface {
	SendUserMessage(text string) error
	AnswerInterrupt(answer string) error
	SendImage(filename string, data []byte) (transcript.ImageRef, error)
	RemoveImage(handle string) bool
	Uploads() []transcript.ImageRef
	State() session.State
	Snapshot() *transcript.Snapshot
	Authenticate(req protocol.AuthRequest) error
}

var _ chatSession = (*session.Session)(nil)

// printer serializes writes from the input loop and session subscribers.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Println(s string) {
	if s == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, s)
}

type repl struct {
	sess     chatSession
	renderer *render.Renderer
	out      *printer
	lines    *lineReader
	readFile func(string) ([]byte, error)
	copyText func(string) error
}

func newREPL(sess chatSession, r *render.Renderer, in io.Reader, out *printer) *repl {
	return &repl{
		sess:     sess,
		renderer: r,
		out:      out,
		lines:    newLineReader(in),
		readFile: os.ReadFile,
		copyText: copyToClipboard,
	}
}

// Run reads commands until /quit, end of input or ctx is done.
func (r *repl) Run(ctx context.Context) error {
	for {
		line, err := r.lines.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		quit, err := r.handle(line)
		if err != nil {
			r.out.Println(r.renderer.Message(transcript.NewError(err.Error())))
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) handle(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.out.Println(replHelp)
	case "/image":
		if len(args) == 0 {
			return false, errors.New("usage: /image <path>")
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, cmd))
		data, err := r.readFile(path)
		if err != nil {
			return false, errors.Wrap(err, "read image")
		}
		if _, err := r.sess.SendImage(filepath.Base(path), data); err != nil {
			return false, err
		}
	case "/images":
		r.out.Println(r.renderer.Uploads(r.sess.Uploads()))
	case "/remove":
		return false, r.remove(args)
	case "/answer":
		return false, r.answer()
	case "/copy":
		text, ok := lastAssistantText(r.sess.Snapshot())
		if !ok {
			return false, errors.New("nothing to copy yet")
		}
		if err := r.copyText(text); err != nil {
			return false, errors.Wrap(err, "copy to clipboard")
		}
		r.out.Println("copied")
	case "/login", "/register":
		if len(args) != 2 {
			return false, errors.Errorf("usage: %s <name> <password>", cmd)
		}
		req := protocol.AuthRequest{Action: strings.TrimPrefix(cmd, "/"), Password: args[1]}
		if req.Action == "login" {
			req.Identifier = args[0]
		} else {
			req.Username = args[0]
		}
		return false, r.sess.Authenticate(req)
	default:
		return false, errors.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

func (r *repl) send(text string) error {
	state := r.sess.State()
	if state.PendingInterrupt != nil {
		return r.sess.AnswerInterrupt(resolveAnswer(state.PendingInterrupt, text))
	}
	err := r.sess.SendUserMessage(text)
	if errors.Is(err, session.ErrBusy) {
		return errors.New("the tutor is still answering, wait for it to finish")
	}
	return err
}

func (r *repl) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /remove <n>")
	}
	n, err := strconv.Atoi(args[0])
	queue := r.sess.Uploads()
	if err != nil || n < 1 || n > len(queue) {
		return errors.Errorf("no queued image %s", args[0])
	}
	if !r.sess.RemoveImage(queue[n-1].Handle) {
		return errors.Errorf("image %s is no longer queued", queue[n-1].Filename)
	}
	r.out.Println(r.renderer.Uploads(r.sess.Uploads()))
	return nil
}

// answer lets the user pick one of the interrupt's options.
func (r *repl) answer() error {
	in := r.sess.State().PendingInterrupt
	if in == nil {
		return session.ErrNoPendingInterrupt
	}
	if len(in.Options) == 0 {
		return errors.New("the question has no options, type your answer")
	}
	ui := &input.UI{Writer: r.out.w, Reader: r.lines}
	choice, err := ui.Select(in.Question, in.Options, &input.Options{
		Default:  in.Options[0],
		Required: true,
		Loop:     true,
	})
	if err != nil {
		return errors.Wrap(err, "select answer")
	}
	return r.sess.AnswerInterrupt(choice)
}

// resolveAnswer maps "2" to the second option; any other text is the answer.
func resolveAnswer(in *session.Interrupt, text string) string {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > len(in.Options) {
		return text
	}
	return in.Options[n-1]
}

func lastAssistantText(snap *transcript.Snapshot) (string, bool) {
	if snap == nil {
		return "", false
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role == transcript.RoleAssistant && m.Kind == transcript.KindText {
			return m.Text, true
		}
	}
	return "", false
}

// lineReader reads input lines on a background goroutine. Next waits for a
// line or ctx; Read serves the same lines to prompt libraries.
type lineReader struct {
	lines chan string
	errc  chan error
	buf   []byte
}

func newLineReader(in io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan string), errc: make(chan error, 1)}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lr.lines <- scanner.Text()
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		lr.errc <- err
		close(lr.lines)
	}()
	return lr
}

func (lr *lineReader) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if !ok {
			return "", <-lr.errc
		}
		return line, nil
	}
}

func (lr *lineReader) Read(p []byte) (int, error) {
	if len(lr.buf) == 0 {
		line, ok := <-lr.lines
		if !ok {
			return 0, io.EOF
		}
		lr.buf = []byte(line + "\n")
	}
	n := copy(p, lr.buf)
	lr.buf = lr.buf[n:]
	return n, nil
}
