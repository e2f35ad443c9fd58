package retry

import (
	"errors"
	"io/fs"
	"os"

	"github.com/editnori/metamaprunner/internal/annotator"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/pool"
	"github.com/editnori/metamaprunner/internal/xmlresult"
)

func isTimeout(err error) bool {
	var t *annotator.TimeoutError
	return errors.As(err, &t)
}

func isParse(err error) bool {
	var p *xmlresult.ParseError
	return errors.As(err, &p)
}

func isDaemonUnreachable(err error) bool {
	return errors.Is(err, daemon.ErrDaemonUnreachable) || errors.Is(err, daemon.ErrDaemonStartFailed)
}

func isPoolExhausted(err error) bool {
	return errors.Is(err, pool.ErrPoolExhausted)
}

func isIO(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.As(err, new(*os.PathError)) ||
		errors.As(err, new(*os.LinkError))
}
