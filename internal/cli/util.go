package cli

import (
	"os"
	"time"
)

func secToDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// statDir reports whether path exists and is a directory.
func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
