package docker

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// channel is the PTY master of an exec client. Linux reports EIO on the
// master once the slave side has no more writers, which is how the end of
// the interactive process shows up.
type channel struct {
	master io.ReadWriteCloser
	cmd    *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

func newChannel(master io.ReadWriteCloser, cmd *exec.Cmd) *channel {
	return &channel{master: master, cmd: cmd}
}

func (c *channel) Read(p []byte) (int, error) {
	n, err := c.master.Read(p)
	if err != nil && isEndOfStream(err) {
		return n, io.EOF
	}
	return n, err
}

func (c *channel) Write(p []byte) (int, error) {
	return c.master.Write(p)
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.master.Close()
		if c.cmd == nil || c.cmd.Process == nil {
			return
		}
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.closeErr = errors.Join(c.closeErr, err)
		}
		// The exit status of a killed exec client carries no information.
		_ = c.cmd.Wait()
	})
	return c.closeErr
}

func isEndOfStream(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, os.ErrClosed)
}
