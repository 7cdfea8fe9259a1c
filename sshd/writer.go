package sshd

import (
	"fmt"
	"io"
)

// StringWriter is how commands talk back to the connected user.
type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	GetWriter() io.Writer
}

type stringWriter struct {
	w io.Writer
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	_, err := io.WriteString(w.w, s)
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}

// Printf is a convenience for commands that format their output.
func Printf(w StringWriter, format string, a ...any) error {
	return w.Write(fmt.Sprintf(format, a...))
}
