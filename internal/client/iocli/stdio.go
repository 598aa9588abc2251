package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stdio терминал поверх потоков ввода и вывода.
// Пароль читается без эха, если ввод - терминал, иначе как обычная строка.
type Stdio struct {
	out    io.Writer
	reader *bufio.Reader
	fd     int
	isTTY  bool
}

// NewStdio терминал процесса
func NewStdio() IO {
	fd := int(os.Stdin.Fd())
	return &Stdio{
		out:    os.Stdout,
		reader: bufio.NewReader(os.Stdin),
		fd:     fd,
		isTTY:  term.IsTerminal(fd),
	}
}

// New терминал поверх произвольных потоков (скрипты, тесты)
func New(in io.Reader, out io.Writer) IO {
	return &Stdio{out: out, reader: bufio.NewReader(in)}
}

func (s *Stdio) Println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	return s.readLine()
}

func (s *Stdio) ReadPassword(prompt string) (string, error) {
	s.Printf("%s", prompt)
	if !s.isTTY {
		return s.readLine()
	}
	pw, err := term.ReadPassword(s.fd)
	s.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// readLine читает строку; последняя строка без перевода тоже считается
func (s *Stdio) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
