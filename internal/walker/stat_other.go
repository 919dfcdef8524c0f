//go:build !unix

package walker

import "os"

func statDevIno(info os.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
