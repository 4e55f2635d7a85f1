package ingest

import (
	"errors"
	"os"

	"github.com/doryd/doryd/internal/message"
)

// unlinkIfSocket removes a pre-existing UNIX socket file at path so a
// restart can rebind it. It refuses to touch a path that isn't a socket,
// so it never deletes an unrelated file left by misconfiguration.
func unlinkIfSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return errors.New("ingest: refusing to remove non-socket at " + path)
	}
	return os.Remove(path)
}

// Pump is the router's single consumer task: it drains queue and calls
// Route on each Message until queue is closed. Ingest readers are the
// only producers; closing queue after every reader has stopped is the
// caller's responsibility.
func Pump(queue chan *message.Message, router Router) {
	for msg := range queue {
		router.Route(msg)
	}
}
